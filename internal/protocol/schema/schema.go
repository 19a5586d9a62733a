package schema

import (
	"fmt"

	"github.com/danmuck/brokerlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Kind identifies a broker record type. It travels in the frame header.
type Kind = uint32

// Record kinds.
const (
	KindMessage          Kind = 1
	KindAck              Kind = 2
	KindMessageAdmin     Kind = 3
	KindKillNotification Kind = 4
	KindLockRequest      Kind = 5
	KindLockRelease      Kind = 6
	KindLockResponse     Kind = 7
	KindLockNotification Kind = 8
	KindLockListing      Kind = 9
	KindRegisterService  Kind = 10
	KindBrokerResult     Kind = 11
	KindRequestService   Kind = 12
	KindServiceRelease   Kind = 13
	KindServiceInfo      Kind = 14
	KindGetServices      Kind = 15
	KindAttrGet          Kind = 16
	KindAttrGetResult    Kind = 17
	KindAttrSet          Kind = 18
	KindKill             Kind = 19
	KindDisconnect       Kind = 20
)

var kindNames = map[Kind]string{
	KindMessage:          "message",
	KindAck:              "ack",
	KindMessageAdmin:     "message.admin",
	KindKillNotification: "kill.notification",
	KindLockRequest:      "lock.request",
	KindLockRelease:      "lock.release",
	KindLockResponse:     "lock.response",
	KindLockNotification: "lock.notification",
	KindLockListing:      "lock.listing",
	KindRegisterService:  "service.register",
	KindBrokerResult:     "broker.result",
	KindRequestService:   "service.request",
	KindServiceRelease:   "service.release",
	KindServiceInfo:      "service.info",
	KindGetServices:      "service.list",
	KindAttrGet:          "attr.get",
	KindAttrGetResult:    "attr.get.result",
	KindAttrSet:          "attr.set",
	KindKill:             "kill",
	KindDisconnect:       "disconnect",
}

// KindName returns a stable label for metrics and logs.
func KindName(k Kind) string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind.%d", k)
}

// Unsolicited reports whether records of kind k are dispatched by kind
// rather than by correlation tag.
func Unsolicited(k Kind) bool {
	return k == KindMessage
}

// Status vocabulary carried inside response records.
const (
	StatusSuccess  = "SUCCESS"
	StatusContinue = "CONTINUE"
	StatusFailure  = "FAILURE"
	StatusTry      = "TRY"
	StatusRetry    = "RETRY"
)

// Admin record sub-types.
const (
	AdminResponse         = "response"
	AdminTrade            = "trade"
	AdminRevokeTrade      = "trade.revoke"
	AdminOwnershipRequest = "ownership.request"
)

// Field IDs.
const (
	FieldStatus uint16 = 1
	FieldName   uint16 = 2
	FieldUser   uint16 = 3
	FieldID     uint16 = 4

	FieldMsgType       uint16 = 100
	FieldMsgBody       uint16 = 101
	FieldMsgDest       uint16 = 102
	FieldMsgWantsReply uint16 = 103
	FieldMsgContext    uint16 = 104
	FieldAdminType     uint16 = 105

	FieldComponentID uint16 = 200
	FieldOwner       uint16 = 201
	FieldComponents  uint16 = 202
	FieldNames       uint16 = 203

	FieldChannel   uint16 = 300
	FieldNetworks  uint16 = 301
	FieldAddresses uint16 = 302
	FieldPortCount uint16 = 303
	FieldPorts     uint16 = 304
	FieldComputer  uint16 = 305
	FieldPortBlock uint16 = 306
	FieldAddress   uint16 = 307
	FieldAsync     uint16 = 308
	FieldOp        uint16 = 309
	FieldInfo      uint16 = 310
	FieldListType  uint16 = 311

	FieldAttr     uint16 = 400
	FieldAttrType uint16 = 401
	FieldValue    uint16 = 402
	FieldTestSet  uint16 = 403

	FieldReason uint16 = 500
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	Kind    Kind
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: kind=%s: %s", KindName(e.Kind), e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%d: %s", KindName(e.Kind), e.FieldID, e.Reason)
}

var requirements = map[Kind][]Requirement{
	KindMessage: {
		{FieldMsgType, tlv.TypeString},
		{FieldMsgBody, tlv.TypeBytes},
		{FieldMsgDest, tlv.TypeU32},
	},
	KindAck: {
		{FieldStatus, tlv.TypeString},
	},
	KindMessageAdmin: {
		{FieldAdminType, tlv.TypeString},
	},
	KindKillNotification: {
		{FieldComponentID, tlv.TypeU32},
	},
	KindLockRequest: {
		{FieldName, tlv.TypeString},
	},
	KindLockRelease: {
		{FieldName, tlv.TypeString},
	},
	KindLockResponse: {
		{FieldStatus, tlv.TypeString},
		{FieldOwner, tlv.TypeU32},
	},
	KindLockNotification: {
		{FieldName, tlv.TypeString},
	},
	KindLockListing: {},
	KindRegisterService: {
		{FieldStatus, tlv.TypeString},
		{FieldName, tlv.TypeString},
		{FieldChannel, tlv.TypeString},
		{FieldPortCount, tlv.TypeU32},
		{FieldComputer, tlv.TypeString},
	},
	KindBrokerResult: {
		{FieldStatus, tlv.TypeString},
	},
	KindRequestService: {
		{FieldName, tlv.TypeString},
		{FieldComputer, tlv.TypeString},
	},
	KindServiceRelease: {
		{FieldName, tlv.TypeString},
	},
	KindServiceInfo: {
		{FieldOp, tlv.TypeString},
		{FieldName, tlv.TypeString},
	},
	KindGetServices: {
		{FieldListType, tlv.TypeString},
	},
	KindAttrGet: {
		{FieldAttr, tlv.TypeString},
		{FieldAttrType, tlv.TypeString},
	},
	KindAttrGetResult: {
		{FieldValue, tlv.TypeString},
	},
	KindAttrSet: {
		{FieldAttr, tlv.TypeString},
		{FieldValue, tlv.TypeString},
	},
	KindKill: {
		{FieldComponentID, tlv.TypeU32},
	},
	KindDisconnect: {},
}

// Known reports whether k is a record kind this client understands.
func Known(k Kind) bool {
	_, ok := requirements[k]
	return ok
}

// Validate enforces required fields and required field types for a record kind.
// Unknown fields are ignored so newer brokers can add fields.
func Validate(kind Kind, fields []tlv.Field) error {
	reqs, ok := requirements[kind]
	if !ok {
		log.Error().Uint32("kind", kind).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("kind", KindName(kind)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("kind", KindName(kind)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
