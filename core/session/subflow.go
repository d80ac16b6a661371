package session

import (
	"encoding/json"
	"fmt"
)

// SubflowKind discriminates the sub-flow union.
type SubflowKind string

const (
	SubflowNone            SubflowKind = "none"
	SubflowStoreCreation   SubflowKind = "store_creation"
	SubflowBotProvisioning SubflowKind = "bot_provisioning"
	SubflowRejection       SubflowKind = "rejection_capture"
	SubflowPaymentProof    SubflowKind = "payment_proof"
)

// Subflow is a wizard overlaying the ordering flow. The interface is sealed:
// only the payload types in this package implement it, so a session holds at
// most one of them.
type Subflow interface {
	Kind() SubflowKind
	clone() Subflow
}

// StoreCreationStep enumerates the store creation wizard.
type StoreCreationStep string

const (
	StoreCreationName        StoreCreationStep = "name"
	StoreCreationDescription StoreCreationStep = "description"
	StoreCreationConfirm     StoreCreationStep = "confirm"
)

// StoreCreation collects a new store's name and description.
type StoreCreation struct {
	Step        StoreCreationStep `json:"step"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
}

// NewStoreCreation starts the wizard at its first step.
func NewStoreCreation() *StoreCreation {
	return &StoreCreation{Step: StoreCreationName}
}

func (*StoreCreation) Kind() SubflowKind { return SubflowStoreCreation }

func (s *StoreCreation) clone() Subflow { cp := *s; return &cp }

// BotProvisioningStep enumerates the bot connection wizard.
type BotProvisioningStep string

const (
	ProvisionStore   BotProvisioningStep = "store"
	ProvisionToken   BotProvisioningStep = "token"
	ProvisionMode    BotProvisioningStep = "mode"
	ProvisionConfirm BotProvisioningStep = "confirm"
)

// BotProvisioning connects a Telegram bot credential to a store.
type BotProvisioning struct {
	Step    BotProvisioningStep `json:"step"`
	StoreID string              `json:"store_id,omitempty"`
	Token   string              `json:"token,omitempty"`
	Mode    string              `json:"mode,omitempty"`
}

// NewBotProvisioning starts the wizard. A known store skips the store step.
func NewBotProvisioning(storeID string) *BotProvisioning {
	if storeID != "" {
		return &BotProvisioning{Step: ProvisionToken, StoreID: storeID}
	}
	return &BotProvisioning{Step: ProvisionStore}
}

func (*BotProvisioning) Kind() SubflowKind { return SubflowBotProvisioning }

func (b *BotProvisioning) clone() Subflow { cp := *b; return &cp }

// RejectionStep enumerates the rejection reason capture.
type RejectionStep string

const (
	RejectionReason  RejectionStep = "reason"
	RejectionConfirm RejectionStep = "confirm"
)

// RejectionCapture collects an admin's reason for rejecting an order.
type RejectionCapture struct {
	Step    RejectionStep `json:"step"`
	OrderID string        `json:"order_id"`
	Reason  string        `json:"reason,omitempty"`
}

// NewRejectionCapture starts reason capture for orderID.
func NewRejectionCapture(orderID string) *RejectionCapture {
	return &RejectionCapture{Step: RejectionReason, OrderID: orderID}
}

func (*RejectionCapture) Kind() SubflowKind { return SubflowRejection }

func (r *RejectionCapture) clone() Subflow { cp := *r; return &cp }

// PaymentProofStep enumerates payment proof capture.
type PaymentProofStep string

const (
	ProofUpload  PaymentProofStep = "upload"
	ProofConfirm PaymentProofStep = "confirm"
)

// PaymentProofCapture collects a customer's payment proof for an order.
type PaymentProofCapture struct {
	Step     PaymentProofStep `json:"step"`
	OrderID  string           `json:"order_id"`
	ProofRef string           `json:"proof_ref,omitempty"`
}

// NewPaymentProofCapture starts proof capture for orderID.
func NewPaymentProofCapture(orderID string) *PaymentProofCapture {
	return &PaymentProofCapture{Step: ProofUpload, OrderID: orderID}
}

func (*PaymentProofCapture) Kind() SubflowKind { return SubflowPaymentProof }

func (p *PaymentProofCapture) clone() Subflow { cp := *p; return &cp }

func decodeSubflow(kind SubflowKind, data json.RawMessage) (Subflow, error) {
	var sf Subflow
	switch kind {
	case SubflowNone, "":
		return nil, nil
	case SubflowStoreCreation:
		sf = &StoreCreation{}
	case SubflowBotProvisioning:
		sf = &BotProvisioning{}
	case SubflowRejection:
		sf = &RejectionCapture{}
	case SubflowPaymentProof:
		sf = &PaymentProofCapture{}
	default:
		return nil, fmt.Errorf("session: unknown subflow kind %q", kind)
	}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", kind, err)
	}
	return sf, nil
}
