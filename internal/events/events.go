// Package events defines the canonical event payloads the engine appends to
// its replayable log. Attributes are flat string maps so consumers can index
// them without schema coupling.
package events

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opensouk/marketplace-engine/internal/model"
)

const (
	TypeListingCreated      = "marketplace.listing.created"
	TypeListingCancelled    = "marketplace.listing.cancelled"
	TypeOrderCreated        = "marketplace.order.created"
	TypeTransporterAssigned = "marketplace.order.transporter_assigned"
	TypeOrderStatusUpdated  = "marketplace.order.status_updated"
	TypeDeliveryConfirmed   = "marketplace.order.delivery_confirmed"
	TypeCompletionConfirmed = "marketplace.order.completion_confirmed"
	TypePaymentReleased     = "marketplace.order.payment_released"
	TypeDisputeRaised       = "marketplace.order.dispute_raised"
	TypeDisputeResolved     = "marketplace.order.dispute_resolved"
	TypeDeposit             = "marketplace.account.deposit"
	TypeWithdraw            = "marketplace.account.withdraw"
	TypePaused              = "marketplace.admin.paused"
	TypeUnpaused            = "marketplace.admin.unpaused"
	TypeBlacklisted         = "marketplace.admin.blacklisted"
	TypeUnblacklisted       = "marketplace.admin.unblacklisted"
	TypeFeeUpdated          = "marketplace.admin.fee_updated"
	TypeFeeRecipientUpdated = "marketplace.admin.fee_recipient_updated"
	TypeRoleGranted         = "marketplace.admin.role_granted"
	TypeRoleRevoked         = "marketplace.admin.role_revoked"
	TypeEmergencyWithdrawal = "marketplace.admin.emergency_withdrawal"
)

// New constructs an event with a fresh ID. Seq stays zero until the store
// appends it.
func New(eventType string, at time.Time, attrs map[string]string) model.Event {
	if attrs == nil {
		attrs = make(map[string]string)
	}
	return model.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Attributes: attrs,
		CreatedAt:  at,
	}
}

// ListingCreated is emitted once per successful createListing.
func ListingCreated(l *model.Listing, at time.Time) model.Event {
	return New(TypeListingCreated, at, map[string]string{
		"listingId": strconv.FormatUint(l.ID, 10),
		"seller":    l.Seller,
		"name":      l.Name,
		"price":     strconv.FormatInt(l.Price, 10),
		"quantity":  strconv.FormatInt(l.Quantity, 10),
	})
}

// ListingCancelled is emitted when a seller or admin cancels a listing.
func ListingCancelled(l *model.Listing, caller string, at time.Time) model.Event {
	return New(TypeListingCancelled, at, map[string]string{
		"listingId": strconv.FormatUint(l.ID, 10),
		"caller":    caller,
	})
}

// OrderCreated is emitted once per successful purchase.
func OrderCreated(o *model.Order, fee int64, at time.Time) model.Event {
	attrs := orderAttrs(o)
	attrs["platformFee"] = strconv.FormatInt(fee, 10)
	return New(TypeOrderCreated, at, attrs)
}

// TransporterAssigned is emitted when the seller hands the order off.
func TransporterAssigned(o *model.Order, at time.Time) model.Event {
	return New(TypeTransporterAssigned, at, map[string]string{
		"orderId":     strconv.FormatUint(o.ID, 10),
		"transporter": o.Transporter,
	})
}

// OrderStatusUpdated is emitted for transporter/seller driven transitions.
func OrderStatusUpdated(o *model.Order, caller string, at time.Time) model.Event {
	return New(TypeOrderStatusUpdated, at, map[string]string{
		"orderId": strconv.FormatUint(o.ID, 10),
		"status":  string(o.Status),
		"caller":  caller,
	})
}

// DeliveryConfirmed is emitted when the buyer confirms physical receipt.
func DeliveryConfirmed(o *model.Order, at time.Time) model.Event {
	return New(TypeDeliveryConfirmed, at, map[string]string{
		"orderId":         strconv.FormatUint(o.ID, 10),
		"buyer":           o.Buyer,
		"sellerConfirmed": strconv.FormatBool(o.SellerConfirmed),
	})
}

// CompletionConfirmed is emitted when the seller confirms the transaction is
// closed on their side.
func CompletionConfirmed(o *model.Order, at time.Time) model.Event {
	return New(TypeCompletionConfirmed, at, map[string]string{
		"orderId":        strconv.FormatUint(o.ID, 10),
		"seller":         o.Seller,
		"buyerConfirmed": strconv.FormatBool(o.BuyerConfirmed),
	})
}

// PaymentReleased is emitted exactly once per order, when dual confirmation
// or a seller-favored resolution releases escrow.
func PaymentReleased(o *model.Order, amount int64, at time.Time) model.Event {
	return New(TypePaymentReleased, at, map[string]string{
		"orderId": strconv.FormatUint(o.ID, 10),
		"seller":  o.Seller,
		"amount":  strconv.FormatInt(amount, 10),
	})
}

// DisputeRaised is emitted when buyer or seller escalates.
func DisputeRaised(o *model.Order, caller string, at time.Time) model.Event {
	return New(TypeDisputeRaised, at, map[string]string{
		"orderId":  strconv.FormatUint(o.ID, 10),
		"raisedBy": caller,
	})
}

// DisputeResolved is emitted with the arbitration outcome.
func DisputeResolved(o *model.Order, favorBuyer bool, amount int64, at time.Time) model.Event {
	return New(TypeDisputeResolved, at, map[string]string{
		"orderId":    strconv.FormatUint(o.ID, 10),
		"favorBuyer": strconv.FormatBool(favorBuyer),
		"amount":     strconv.FormatInt(amount, 10),
	})
}

func orderAttrs(o *model.Order) map[string]string {
	return map[string]string{
		"orderId":    strconv.FormatUint(o.ID, 10),
		"listingId":  strconv.FormatUint(o.ListingID, 10),
		"buyer":      o.Buyer,
		"seller":     o.Seller,
		"finalPrice": strconv.FormatInt(o.FinalPrice, 10),
		"quantity":   strconv.FormatInt(o.QuantityPurchased, 10),
		"escrow":     strconv.FormatInt(o.EscrowAmount, 10),
		"status":     string(o.Status),
	}
}

// Admin builds a generic admin-action event.
func Admin(eventType, caller string, at time.Time, extra map[string]string) model.Event {
	attrs := map[string]string{"caller": caller}
	for k, v := range extra {
		attrs[k] = v
	}
	return New(eventType, at, attrs)
}
