package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTicketStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from TicketStatus
		to   TicketStatus
		want bool
	}{
		{TicketPending, TicketAssigned, true},
		{TicketPending, TicketResolved, true},
		{TicketPending, TicketUnresolvable, true},
		{TicketAssigned, TicketAssigned, true},
		{TicketAssigned, TicketResolved, true},
		{TicketAssigned, TicketPending, false},
		{TicketResolved, TicketPending, false},
		{TicketResolved, TicketUnresolvable, false},
		{TicketUnresolvable, TicketResolved, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTicketStatus_Open(t *testing.T) {
	assert.True(t, TicketPending.Open())
	assert.True(t, TicketAssigned.Open())
	assert.False(t, TicketResolved.Open())
	assert.False(t, TicketUnresolvable.Open())
	assert.False(t, TicketStatus("bogus").Valid())
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindIdentify.Valid())
	assert.True(t, KindFindDocument.Valid())
	assert.False(t, Kind("lookup").Valid())
}

func TestFieldsEmpty(t *testing.T) {
	assert.True(t, Fields{}.Empty())
	assert.True(t, Fields{Manufacturer: "  "}.Empty())
	assert.False(t, Fields{Model: "G120C"}.Empty())

	var img *Image
	assert.True(t, img.Empty())
	assert.False(t, (&Image{URL: "https://x/y.jpg"}).Empty())
}
