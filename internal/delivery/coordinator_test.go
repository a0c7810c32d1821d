package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorFixture struct {
	chat  *fakeAdapter
	email *fakeAdapter
	inapp *fakeAdapter
	coord *Coordinator
}

func newCoordinatorFixture(floor bool) *coordinatorFixture {
	f := &coordinatorFixture{
		chat:  newFake("waha", domain.ChannelChat, 1),
		email: newFake("smtp", domain.ChannelEmail, 1),
		inapp: newFake("inapp", domain.ChannelInApp, 0),
	}
	registry := NewRegistry(
		NewRouter(domain.ChannelChat, f.chat),
		NewRouter(domain.ChannelEmail, f.email),
		NewRouter(domain.ChannelInApp, f.inapp),
	)
	cfg := DefaultCoordinatorConfig()
	cfg.InAppFloor = floor
	f.coord = NewCoordinator(cfg, registry)
	return f
}

var fullRecipient = domain.Recipient{ID: "r1", Name: "Ana", Email: "ana@example.com", ChatAddress: "+34600000000"}

func TestCoordinator_Deliver_Primary(t *testing.T) {
	f := newCoordinatorFixture(true)

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Title: "T", Body: "B"})

	require.True(t, d.Success)
	assert.Equal(t, domain.ChannelChat, d.Channel)
	assert.Equal(t, "waha", d.Provider)
	assert.False(t, d.SecondaryUsed)
	assert.False(t, d.FloorUsed)
	require.Len(t, f.chat.sentMessages(), 1)
	assert.Equal(t, "+34600000000", f.chat.sentMessages()[0].To)
	assert.Empty(t, f.email.sentMessages())
	assert.Empty(t, f.inapp.sentMessages())
}

func TestCoordinator_Deliver_SecondaryOnPrimaryFailure(t *testing.T) {
	f := newCoordinatorFixture(true)
	f.chat.fail = errTransient

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.True(t, d.Success)
	assert.Equal(t, domain.ChannelEmail, d.Channel)
	assert.True(t, d.SecondaryUsed)
	require.Len(t, f.email.sentMessages(), 1)
	msg := f.email.sentMessages()[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Contains(t, msg.Body, "because delivery via chat failed")
	assert.Contains(t, msg.Body, "B")
	assert.Len(t, d.Results, 2)
}

func TestCoordinator_Deliver_NoSecondaryWithoutContact(t *testing.T) {
	f := newCoordinatorFixture(true)
	f.chat.fail = errTransient
	r := fullRecipient
	r.Email = ""

	d := f.coord.Deliver(context.Background(), Notification{Recipient: r, Body: "B"})

	require.True(t, d.Success)
	assert.Empty(t, f.email.sentMessages())
	assert.Equal(t, domain.ChannelInApp, d.Channel)
	assert.True(t, d.FloorUsed)
	assert.Equal(t, "no email address", d.Warning)
}

func TestCoordinator_Deliver_FloorWhenBothFail(t *testing.T) {
	f := newCoordinatorFixture(true)
	f.chat.fail = errTransient
	f.email.fail = errTransient

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.True(t, d.Success)
	assert.NoError(t, d.Err)
	assert.True(t, d.FloorUsed)
	require.Len(t, f.inapp.sentMessages(), 1)
	assert.Equal(t, "r1", f.inapp.sentMessages()[0].To)
}

func TestCoordinator_Deliver_FloorDisabled(t *testing.T) {
	f := newCoordinatorFixture(false)
	f.chat.fail = errTransient
	f.email.fail = errTransient

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.False(t, d.Success)
	assert.True(t, IsRetryable(d.Err))
	assert.Empty(t, f.inapp.sentMessages())
}

func TestCoordinator_Deliver_NoContactWithoutFloor(t *testing.T) {
	f := newCoordinatorFixture(false)

	d := f.coord.Deliver(context.Background(), Notification{Recipient: domain.Recipient{ID: "r2"}, Body: "B"})

	require.False(t, d.Success)
	assert.ErrorIs(t, d.Err, ErrNoContact)
	assert.False(t, IsRetryable(d.Err))
}

func TestCoordinator_Deliver_InAppOnly(t *testing.T) {
	f := newCoordinatorFixture(false)

	d := f.coord.Deliver(context.Background(), Notification{
		Recipient: fullRecipient,
		Body:      "B",
		Channels:  []domain.Channel{domain.ChannelInApp},
	})

	require.True(t, d.Success)
	assert.Equal(t, domain.ChannelInApp, d.Channel)
	assert.False(t, d.FloorUsed)
	assert.Equal(t, "B", f.inapp.sentMessages()[0].Body)
	assert.Empty(t, f.chat.sentMessages())
}

func TestCoordinator_Deliver_FloorWriteFails(t *testing.T) {
	f := newCoordinatorFixture(true)
	f.chat.fail = errTransient
	f.email.fail = errTransient
	f.inapp.fail = NewRetryableError(errors.New("db down"))

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.False(t, d.Success)
	assert.True(t, IsRetryable(d.Err))
	assert.Len(t, d.Results, 3)
}

func TestCoordinator_Deliver_EmailPreferred(t *testing.T) {
	f := newCoordinatorFixture(true)

	d := f.coord.Deliver(context.Background(), Notification{
		Recipient: fullRecipient,
		Channels:  []domain.Channel{domain.ChannelEmail, domain.ChannelChat},
	})

	require.True(t, d.Success)
	assert.Equal(t, domain.ChannelEmail, d.Channel)
	assert.Empty(t, f.chat.sentMessages())
}

func TestCoordinator_Deliver_UnregisteredChannel(t *testing.T) {
	coord := NewCoordinator(CoordinatorConfig{}, NewRegistry())

	d := coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Channels: []domain.Channel{domain.ChannelChat}})

	require.False(t, d.Success)
	assert.ErrorIs(t, d.Err, ErrChannelNotConfigured)
	assert.False(t, IsRetryable(d.Err))
}

func TestCoordinator_Deliver_SecondaryNotConfiguredKeepsPrimaryRetryable(t *testing.T) {
	chat := newFake("waha", domain.ChannelChat, 1)
	chat.fail = errTransient
	coord := NewCoordinator(CoordinatorConfig{}, NewRegistry(NewRouter(domain.ChannelChat, chat)))

	d := coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.False(t, d.Success)
	assert.Len(t, d.Results, 2)
	assert.True(t, IsRetryable(d.Err))
	assert.ErrorIs(t, d.Err, ErrChannelNotConfigured)
	assert.Contains(t, d.Err.Error(), "channel email unavailable")
}

func TestCoordinator_Deliver_SecondaryPermanentKeepsPrimaryRetryable(t *testing.T) {
	f := newCoordinatorFixture(false)
	f.chat.fail = errTransient
	f.email.fail = NewNonRetryableError(errors.New("mailbox does not exist"))

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.False(t, d.Success)
	assert.True(t, IsRetryable(d.Err))
}

func TestCoordinator_Deliver_AllChannelsPermanent(t *testing.T) {
	f := newCoordinatorFixture(false)
	f.chat.fail = NewNonRetryableError(errors.New("number not on whatsapp"))
	f.email.fail = NewNonRetryableError(errors.New("mailbox does not exist"))

	d := f.coord.Deliver(context.Background(), Notification{Recipient: fullRecipient, Body: "B"})

	require.False(t, d.Success)
	assert.False(t, IsRetryable(d.Err))
}

func TestChannelErrors(t *testing.T) {
	var errs ChannelErrors
	assert.NoError(t, errs.Err())

	permanent := NewNonRetryableError(errors.New("bounced"))
	errs = errs.add(Result{Err: permanent})
	assert.Same(t, permanent, errs.Err())

	errs = errs.add(Result{})
	assert.Len(t, errs, 1)

	errs = errs.add(Result{Err: errTransient})
	joined := errs.Err()
	assert.True(t, IsRetryable(joined))
	assert.ErrorIs(t, joined, errTransient)
	assert.Equal(t, "bounced; "+errTransient.Error(), joined.Error())
}
