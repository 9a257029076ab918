package notification

import (
	"encoding/json"
	"time"
)

// ResultType is the terminal outcome carried by an aggregation signal.
type ResultType string

const (
	ResultSucceeded         ResultType = "Succeeded"
	ResultFailed            ResultType = "Failed"
	ResultThrottled         ResultType = "Throttled"
	ResultRecipientNotFound ResultType = "RecipientNotFound"
)

// ResultFor maps a terminal delivery status to its signal result.
func ResultFor(ds DeliveryStatus) (ResultType, bool) {
	switch ds {
	case DeliverySucceeded:
		return ResultSucceeded, true
	case DeliveryFailed:
		return ResultFailed, true
	case DeliveryRecipientNotFound:
		return ResultRecipientNotFound, true
	default:
		return "", false
	}
}

// DispatchMessage asks a send worker to deliver to one recipient.
type DispatchMessage struct {
	NotificationID string `json:"notification_id"`
	RecipientID    string `json:"recipient_id"`
}

// SignalKind discriminates messages on the aggregation queue.
type SignalKind string

const (
	SignalOutcome       SignalKind = "outcome"
	SignalForceComplete SignalKind = "force_complete"
)

// Signal is consumed by the result aggregator.
type Signal struct {
	Kind           SignalKind `json:"kind"`
	NotificationID string     `json:"notification_id"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	Result         ResultType `json:"result,omitempty"`
	At             time.Time  `json:"at"`
}

// ConsumptionKey identifies a signal for duplicate suppression.
func (s Signal) ConsumptionKey() string {
	if s.Kind == SignalForceComplete {
		return "force-complete"
	}
	return s.RecipientID
}

func (m DispatchMessage) Encode() ([]byte, error) { return json.Marshal(m) }
func (s Signal) Encode() ([]byte, error)          { return json.Marshal(s) }

func DecodeDispatch(b []byte) (DispatchMessage, error) {
	var m DispatchMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func DecodeSignal(b []byte) (Signal, error) {
	var s Signal
	err := json.Unmarshal(b, &s)
	return s, err
}
