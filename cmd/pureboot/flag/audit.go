package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"
)

// AuditConfig carries the audit pipeline flags.
type AuditConfig struct {
	QueueCapacity int
	NATSURL       string
	NATSSubject   string
}

func RegisterAuditFlags(fs *Set, ac *AuditConfig) {
	fs.Register(AuditQueueCapacity, ffval.NewValueDefault(&ac.QueueCapacity, ac.QueueCapacity))
	fs.Register(AuditNATSURL, ffval.NewValueDefault(&ac.NATSURL, ac.NATSURL))
	fs.Register(AuditNATSSubject, ffval.NewValueDefault(&ac.NATSSubject, ac.NATSSubject))
}

var AuditQueueCapacity = Config{
	Name:  "audit-queue-capacity",
	Usage: "[audit] in-memory event buffer size; the oldest event is dropped when full",
}

var AuditNATSURL = Config{
	Name:  "audit-nats-url",
	Usage: "[audit] NATS server URL to publish audit events to, empty to disable",
}

var AuditNATSSubject = Config{
	Name:  "audit-nats-subject",
	Usage: "[audit] NATS subject audit events are published on",
}
