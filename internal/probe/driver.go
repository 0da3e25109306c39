package probe

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dgurram/decoy/model"
)

// Driver is one platform session living inside the runtime. Real protocol
// drivers are linked in at build time; the static driver below ships for
// development and tests.
type Driver interface {
	Health(ctx context.Context) model.SessionStatus
	Check(ctx context.Context, number string, method model.Method) (*model.ProbeResult, error)
}

// StaticDriver answers deterministically from the number itself, so tests and
// local runs behave reproducibly without a platform session:
//   - suffix 99: terminal failure (session revoked)
//   - suffix 98: transient failure
//   - even last digit: registered (deep checks add a detail)
//   - odd last digit: unregistered
type StaticDriver struct {
	mu     sync.Mutex
	status model.SessionStatus
}

func NewStaticDriver() *StaticDriver {
	return &StaticDriver{status: model.SessionConnected}
}

func (d *StaticDriver) Health(_ context.Context) model.SessionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus overrides the reported session state, for exercising the degraded
// and logged-out paths.
func (d *StaticDriver) SetStatus(s model.SessionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *StaticDriver) Check(_ context.Context, number string, method model.Method) (*model.ProbeResult, error) {
	if d.Health(context.Background()) == model.SessionLoggedOut {
		return nil, model.Terminal(errors.New("session logged out"))
	}

	switch {
	case strings.HasSuffix(number, "99"):
		return nil, model.Terminal(errors.New("session revoked by platform"))
	case strings.HasSuffix(number, "98"):
		return nil, errors.New("upstream hiccup")
	}

	last := lastDigit(number)
	if last < 0 {
		return &model.ProbeResult{Status: model.OutcomeUnknown, Detail: "unparseable number"}, nil
	}

	res := &model.ProbeResult{Status: model.OutcomeUnregistered}
	if last%2 == 0 {
		res.Status = model.OutcomeRegistered
		if method == model.MethodDeep {
			res.Detail = "has_avatar"
		}
	}
	return res, nil
}

func lastDigit(number string) int {
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c >= '0' && c <= '9' {
			return int(c - '0')
		}
	}
	return -1
}
