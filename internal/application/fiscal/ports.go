package fiscal

import (
	"context"
	"time"
)

// EntityLocker serializes chain admission for one entity across processes.
// The in-process lane already serializes it within a process.
type EntityLocker interface {
	// Lock blocks until the entity's lock is held or ctx ends. The returned
	// function releases it.
	Lock(ctx context.Context, entityID string) (unlock func(context.Context) error, err error)
}

// Metrics receives coordinator activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordsChained(n int)
	SubmissionTransition(status string)
	AuthorityCall(op, outcome string, d time.Duration)
	TaskFinished(outcome string, d time.Duration)
	ChainHalted()
	QueueDepth(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordsChained(int) {}
func (nopMetrics) SubmissionTransition(string) {}
func (nopMetrics) AuthorityCall(string, string, time.Duration) {}
func (nopMetrics) TaskFinished(string, time.Duration) {}
func (nopMetrics) ChainHalted() {}
func (nopMetrics) QueueDepth(int) {}

// PassthroughSigner returns documents unchanged. It is meant for sandbox
// environments where the signing service is not deployed.
type PassthroughSigner struct{}

// Sign implements fiscal.Signer
func (PassthroughSigner) Sign(_ context.Context, _ string, document []byte) ([]byte, error) {
	return document, nil
}
