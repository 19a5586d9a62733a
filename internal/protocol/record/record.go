package record

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/brokerlink/internal/protocol/frame"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/danmuck/brokerlink/internal/protocol/tlv"
)

var (
	ErrUnknownKind = errors.New("record: unknown kind")
	ErrNilRecord   = errors.New("record: nil record")
)

// Record is one decoded broker record. The set of implementations is closed;
// Decode returns one of the concrete types in this package.
type Record interface {
	Kind() schema.Kind
	fields() []tlv.Field
}

// Encode builds the frame carrying rec under correlation tag match.
func Encode(match uint64, rec Record) (frame.Frame, error) {
	if rec == nil {
		return frame.Frame{}, ErrNilRecord
	}
	fields := rec.fields()
	if err := schema.Validate(rec.Kind(), fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			Match: match,
			Kind:  rec.Kind(),
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// Decode parses f into its typed record and returns the correlation tag.
func Decode(f frame.Frame) (uint64, Record, error) {
	kind := f.Kind()
	build, ok := decoders[kind]
	if !ok {
		return f.Match(), nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return f.Match(), nil, err
	}
	if err := schema.Validate(kind, fields); err != nil {
		return f.Match(), nil, err
	}
	r := tlv.NewReader(fields)
	rec := build(r)
	if err := r.Err(); err != nil {
		return f.Match(), nil, fmt.Errorf("record: decode %s: %w", schema.KindName(kind), err)
	}
	return f.Match(), rec, nil
}

var decoders = map[schema.Kind]func(*tlv.Reader) Record{
	schema.KindMessage:          decodeMessage,
	schema.KindAck:              decodeAck,
	schema.KindMessageAdmin:     decodeMessageAdmin,
	schema.KindKillNotification: func(r *tlv.Reader) Record { return KillNotification{ComponentID: r.U32(schema.FieldComponentID)} },
	schema.KindLockRequest:      func(r *tlv.Reader) Record { return LockRequest{Name: r.String(schema.FieldName)} },
	schema.KindLockRelease:      func(r *tlv.Reader) Record { return LockRelease{Name: r.String(schema.FieldName)} },
	schema.KindLockResponse:     decodeLockResponse,
	schema.KindLockNotification: func(r *tlv.Reader) Record { return LockNotification{Name: r.String(schema.FieldName)} },
	schema.KindLockListing:      decodeLockListing,
	schema.KindRegisterService:  decodeRegisterService,
	schema.KindBrokerResult:     decodeBrokerResult,
	schema.KindRequestService:   decodeRequestService,
	schema.KindServiceRelease:   func(r *tlv.Reader) Record { return ServiceRelease{Name: r.String(schema.FieldName)} },
	schema.KindServiceInfo:      decodeServiceInfo,
	schema.KindGetServices:      decodeGetServices,
	schema.KindAttrGet:          decodeAttrGet,
	schema.KindAttrGetResult:    func(r *tlv.Reader) Record { return AttrGetResult{Value: r.String(schema.FieldValue)} },
	schema.KindAttrSet:          decodeAttrSet,
	schema.KindKill:             func(r *tlv.Reader) Record { return Kill{ComponentID: r.U32(schema.FieldComponentID)} },
	schema.KindDisconnect:       func(r *tlv.Reader) Record { return Disconnect{Reason: r.OptString(schema.FieldReason)} },
}

// listSep joins string lists that travel as a single string field.
const listSep = "\n"

func joinList(v []string) string { return strings.Join(v, listSep) }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSep)
}

func optString(fields []tlv.Field, id uint16, v string) []tlv.Field {
	if v == "" {
		return fields
	}
	return append(fields, tlv.String(id, v))
}

func optU32(fields []tlv.Field, id uint16, v uint32) []tlv.Field {
	if v == 0 {
		return fields
	}
	return append(fields, tlv.U32(id, v))
}

func optU32List(fields []tlv.Field, id uint16, v []uint32) []tlv.Field {
	if len(v) == 0 {
		return fields
	}
	return append(fields, tlv.U32List(id, v))
}
