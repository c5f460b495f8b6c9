package loop

import "github.com/gostun/gostun/internal/role"

// Recorder receives point-in-time events from a Loop's hot path. It
// exists so the loop never imports a concrete metrics backend: any
// collector can be wired in by implementing this interface, keeping
// the dispatch path's only allocation-free dependency.
type Recorder interface {
	RequestReceived(recvRole role.Role)
	ResponseSent(sendRole role.Role)
	Dropped(reason string)
	RateLimiterAdmitted()
	RateLimiterRejected()
	Rotation(index int)
}

// NoopRecorder discards every event; it is the Loop default when no
// Recorder is supplied via WithRecorder.
type NoopRecorder struct{}

func (NoopRecorder) RequestReceived(role.Role) {}
func (NoopRecorder) ResponseSent(role.Role)    {}
func (NoopRecorder) Dropped(string)            {}
func (NoopRecorder) RateLimiterAdmitted()      {}
func (NoopRecorder) RateLimiterRejected()      {}
func (NoopRecorder) Rotation(int)              {}
