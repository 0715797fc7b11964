package models

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
)

// RecordKind partitions records within an alert's store footprint.
type RecordKind string

const (
	KindAlert     RecordKind = "alert"
	KindFinding   RecordKind = "finding"
	KindAttribute RecordKind = "attribute"
	KindReport    RecordKind = "report"
	KindWorkflow  RecordKind = "workflow"
	KindSighting  RecordKind = "sighting"
)

// Singleton record ID for kinds with one record per partition.
const SingletonID = "-"

// AlertPartition is the store partition holding every record of one alert,
// so the whole footprint range-scans and expires together.
func AlertPartition(alertID string) string {
	return "alert/" + alertID
}

// SightingPartition is the cross-alert index partition for one attribute
// (type, value) pair, used by the feedback loop.
func SightingPartition(attrType AttrType, value string) string {
	sum := sha256.Sum256([]byte(string(attrType) + "\x00" + value))
	return fmt.Sprintf("seen/%x", sum)
}

// PendingWorkflowPartition indexes workflow instances that have not reached
// a terminal state, for crash recovery at startup.
const PendingWorkflowPartition = "workflow/pending"

// writeCanonical writes a deterministic serialization of v. encoding/json
// emits map keys in sorted order, which is exactly the canonical form the
// content-hash keys need.
func writeCanonical(w io.Writer, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		// Evidence maps built from JSON input always marshal.
		fmt.Fprintf(w, "!%v", err)
		return
	}
	w.Write(raw)
}
