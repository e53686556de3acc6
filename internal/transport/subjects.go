package transport

import (
	"strings"

	"reportline/internal/config"
	"reportline/internal/envelope"
)

const (
	// StreamReporting holds the live reporting queues.
	StreamReporting = "REPORTING"
	// StreamDeadLetters holds messages that exhausted their retry budget.
	StreamDeadLetters = "REPORTING_DLQ"

	SubjectPrefix     = "reporting."
	DeadLetterPrefix  = SubjectPrefix + "dlq."
	durablePrefix     = "rl_"
	deadLetterReplays = "replayedFrom"
)

// Subject returns the NATS subject of a queue.
func Subject(queue string) string {
	return SubjectPrefix + queue
}

// DeadLetterSubject returns the dead-letter subject for a request type,
// e.g. reporting.dlq.finish_launch.
func DeadLetterSubject(rt envelope.RequestType) string {
	return DeadLetterPrefix + strings.ToLower(string(rt))
}

// EntryQueue is the queue a request type is first published to. Replayed
// dead letters go back there.
func EntryQueue(rt envelope.RequestType) string {
	switch rt {
	case envelope.StartLaunch:
		return config.QueueLaunchStart
	case envelope.FinishLaunch:
		return config.QueueLaunchPending
	case envelope.StartTest:
		return config.QueueItemStart
	case envelope.FinishTest:
		return config.QueueItemFinish
	default:
		return config.QueueLog
	}
}

func durableName(queue string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return durablePrefix + r.Replace(queue)
}
