package order

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingAdmin Status = "PENDING_ADMIN"
	StatusPaid         Status = "PAID"
	StatusShipped      Status = "SHIPPED"
	StatusDelivered    Status = "DELIVERED"
	StatusRejected     Status = "REJECTED"
	StatusCancelled    Status = "CANCELLED"
	StatusRefunded     Status = "REFUNDED"
)

// Action is an operation applied to an order.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionCancel      Action = "cancel"
	ActionShip        Action = "ship"
	ActionDeliver     Action = "deliver"
	ActionRefund      Action = "refund"
	ActionSubmitProof Action = "submit_proof"
)

// transitions is the only place allowed moves are defined.
var transitions = map[Status]map[Action]Status{
	StatusPendingAdmin: {
		ActionApprove:     StatusPaid,
		ActionReject:      StatusRejected,
		ActionCancel:      StatusCancelled,
		ActionSubmitProof: StatusPendingAdmin,
	},
	StatusPaid: {
		ActionShip:   StatusShipped,
		ActionRefund: StatusRefunded,
	},
	StatusShipped: {
		ActionDeliver: StatusDelivered,
		ActionRefund:  StatusRefunded,
	},
	StatusDelivered: {
		ActionRefund: StatusRefunded,
	},
}

// Next returns the status reached by applying action in from.
func Next(from Status, action Action) (Status, error) {
	if to, ok := transitions[from][action]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Action: action}
}

// Terminal reports whether the order's fulfilment is finished. A delivered
// order is terminal but can still be refunded.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusDelivered, StatusRefunded:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingAdmin, StatusPaid, StatusShipped, StatusDelivered,
		StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}
