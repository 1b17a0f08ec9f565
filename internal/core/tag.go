package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Tag kinds. ADJ covers manual adjustments, reservation holds and releases;
// XFER marks the two legs of a section transfer.
const (
	TagKindAdjust   = "ADJ"
	TagKindTransfer = "XFER"
)

// MovementTag is the structured audit payload carried by every stock movement.
// It is persisted as discrete columns; the delimited string form exists only
// for compatibility with exports produced by the previous system.
type MovementTag struct {
	Kind           string
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	ActorID        int
	ActorName      string
	Reason         string
	ReservationKey string
}

// AdjustTag builds the tag for an adjustment movement. A non-empty
// reservationKey marks the movement as a tentative hold (or its release).
func AdjustTag(actor Actor, reason, reservationKey string) MovementTag {
	return MovementTag{
		Kind:           TagKindAdjust,
		ActorID:        actor.ID,
		ActorName:      actor.Name,
		Reason:         reason,
		ReservationKey: reservationKey,
	}
}

// TransferTag builds the tag shared by both legs of a transfer.
func TransferTag(actor Actor) MovementTag {
	return MovementTag{
		Kind:      TagKindTransfer,
		ActorID:   actor.ID,
		ActorName: actor.Name,
	}
}

// Encode renders the legacy delimited form:
//
//	ADJ|<before>|<after>|<actorId>|<actorName>|<reason>[|RESV|<key>]
//	XFER|<actorId>|<actorName>
func (t MovementTag) Encode() string {
	if t.Kind == TagKindTransfer {
		return strings.Join([]string{TagKindTransfer, strconv.Itoa(t.ActorID), t.ActorName}, "|")
	}
	parts := []string{
		TagKindAdjust,
		t.BalanceBefore.String(),
		t.BalanceAfter.String(),
		strconv.Itoa(t.ActorID),
		t.ActorName,
		t.Reason,
	}
	if t.ReservationKey != "" {
		parts = append(parts, "RESV", t.ReservationKey)
	}
	return strings.Join(parts, "|")
}

// ParseMovementTag parses the legacy delimited form. Older records may carry
// fewer segments; missing trailing fields are treated as empty.
func ParseMovementTag(s string) MovementTag {
	parts := strings.Split(s, "|")
	seg := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	var t MovementTag
	t.Kind = seg(0)

	if t.Kind == TagKindTransfer {
		t.ActorID, _ = strconv.Atoi(seg(1))
		t.ActorName = seg(2)
		return t
	}

	t.BalanceBefore, _ = decimal.NewFromString(seg(1))
	t.BalanceAfter, _ = decimal.NewFromString(seg(2))
	t.ActorID, _ = strconv.Atoi(seg(3))
	t.ActorName = seg(4)
	t.Reason = seg(5)
	if seg(6) == "RESV" {
		t.ReservationKey = seg(7)
	}
	return t
}
