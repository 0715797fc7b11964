package messaging

// Subject constants for the pipeline message bus.
// Pattern: {domain}.{action} with optional trailing qualifier.
const (
	// Inbound alert ingestion (at-least-once, external producers).
	SubjectAlertIngest = "alert.ingest"

	// Inspector fan-out. One task per registered inspector:
	// inspect.task.<inspector-name>.
	SubjectInspectTaskPrefix = "inspect.task."

	// Asynchronous inspector contributions.
	SubjectContribFinding   = "contrib.finding"
	SubjectContribAttribute = "contrib.attribute"

	// Outbound notification after a successful publish.
	SubjectReportPublished = "report.published"

	// Aggregation store change stream: store.change.<record-kind>.
	SubjectStoreChangePrefix = "store.change."

	// Dead-letter path: deadletter.<reason>.
	SubjectDeadLetterPrefix = "deadletter."
)

// Durable consumer names. One durable per pipeline stage; instances of the
// same stage share the consumer and load-balance messages.
const (
	ConsumerReceptor           = "receptor"
	ConsumerFindingCollector   = "finding-collector"
	ConsumerAttributeCollector = "attribute-collector"
	ConsumerAttributeFeedback  = "attribute-feedback"
)

// InspectTaskSubject returns the fan-out subject for a named inspector.
func InspectTaskSubject(inspector string) string {
	return SubjectInspectTaskPrefix + inspector
}

// StoreChangeSubject returns the change-stream subject for a record kind.
func StoreChangeSubject(kind string) string {
	return SubjectStoreChangePrefix + kind
}

// DeadLetterSubject returns the dead-letter subject for a failure reason.
func DeadLetterSubject(reason string) string {
	return SubjectDeadLetterPrefix + reason
}
