package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/scr/internal/framework"
	"github.com/moolen/scr/internal/logging"
)

type fakeRegistration struct {
	props map[string]interface{}
}

func (r *fakeRegistration) Reference() framework.ServiceReference { return nil }

func (r *fakeRegistration) SetProperties(_ context.Context, props map[string]interface{}) error {
	r.props = props
	return nil
}

func (r *fakeRegistration) Unregister(context.Context) error { return nil }

type registrationCalls struct {
	registers   atomic.Int32
	unregisters atomic.Int32
}

func (c *registrationCalls) manager(block <-chan struct{}, entered chan<- struct{}) *RegistrationManager {
	return NewRegistrationManager(
		func(context.Context) (framework.ServiceRegistration, error) {
			c.registers.Add(1)
			if entered != nil {
				entered <- struct{}{}
			}
			if block != nil {
				<-block
			}
			return &fakeRegistration{}, nil
		},
		func(context.Context, framework.ServiceRegistration) error {
			c.unregisters.Add(1)
			return nil
		},
		logging.GetLogger("test"),
	)
}

func TestRegistrationManagerIgnoresRepeatedState(t *testing.T) {
	ctx := context.Background()
	var calls registrationCalls
	rm := calls.manager(nil, nil)

	assert.False(t, rm.ChangeRegistration(ctx, Unregistered))
	assert.True(t, rm.ChangeRegistration(ctx, Registered))
	assert.False(t, rm.ChangeRegistration(ctx, Registered))
	require.NotNil(t, rm.Registration())

	require.NoError(t, rm.SetProperties(ctx, map[string]interface{}{"a": 1}))
	assert.Equal(t, 1, rm.Registration().(*fakeRegistration).props["a"])

	assert.True(t, rm.ChangeRegistration(ctx, Unregistered))
	assert.Nil(t, rm.Registration())
	assert.Equal(t, int32(1), calls.registers.Load())
	assert.Equal(t, int32(1), calls.unregisters.Load())

	// no registration, nothing to update
	assert.NoError(t, rm.SetProperties(ctx, map[string]interface{}{"a": 2}))
}

func TestRegistrationManagerLastRequestWins(t *testing.T) {
	ctx := context.Background()
	var calls registrationCalls
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	rm := calls.manager(block, entered)

	done := make(chan bool)
	go func() { done <- rm.ChangeRegistration(ctx, Registered) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("register was not called")
	}

	// queued behind the running registration
	assert.True(t, rm.ChangeRegistration(ctx, Unregistered))
	assert.True(t, rm.ChangeRegistration(ctx, Registered))
	assert.False(t, rm.ChangeRegistration(ctx, Registered))

	close(block)
	assert.True(t, <-done)

	assert.NotNil(t, rm.Registration())
	assert.Equal(t, int32(1), calls.registers.Load())
	assert.Zero(t, calls.unregisters.Load())
}
