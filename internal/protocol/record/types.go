package record

import (
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/danmuck/brokerlink/internal/protocol/tlv"
)

// Message is a component-to-component message routed by the broker. ID is
// assigned by the broker and is zero on the sending side.
type Message struct {
	ID         uint32
	Type       string
	Body       []byte
	Dest       uint32
	From       uint32
	User       string
	Context    string
	WantsReply bool
}

func (Message) Kind() schema.Kind { return schema.KindMessage }

func (m Message) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldMsgType, m.Type),
		tlv.Bytes(schema.FieldMsgBody, m.Body),
		tlv.U32(schema.FieldMsgDest, m.Dest),
	}
	fields = optU32(fields, schema.FieldID, m.ID)
	fields = optU32(fields, schema.FieldComponentID, m.From)
	fields = optString(fields, schema.FieldUser, m.User)
	fields = optString(fields, schema.FieldMsgContext, m.Context)
	if m.WantsReply {
		fields = append(fields, tlv.Bool(schema.FieldMsgWantsReply, true))
	}
	return fields
}

func decodeMessage(r *tlv.Reader) Record {
	return Message{
		ID:         r.OptU32(schema.FieldID),
		Type:       r.String(schema.FieldMsgType),
		Body:       r.Bytes(schema.FieldMsgBody),
		Dest:       r.U32(schema.FieldMsgDest),
		From:       r.OptU32(schema.FieldComponentID),
		User:       r.OptString(schema.FieldUser),
		Context:    r.OptString(schema.FieldMsgContext),
		WantsReply: r.Bool(schema.FieldMsgWantsReply),
	}
}

// Ack is the broker's generic acknowledgment. ID carries an identifier the
// broker minted for the acknowledged request, when it has one.
type Ack struct {
	Status string
	ID     uint32
	Reason string
}

func (Ack) Kind() schema.Kind { return schema.KindAck }

func (a Ack) OK() bool { return a.Status == schema.StatusSuccess }

func (a Ack) fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldStatus, a.Status)}
	fields = optU32(fields, schema.FieldID, a.ID)
	fields = optString(fields, schema.FieldReason, a.Reason)
	return fields
}

func decodeAck(r *tlv.Reader) Record {
	return Ack{
		Status: r.String(schema.FieldStatus),
		ID:     r.OptU32(schema.FieldID),
		Reason: r.OptString(schema.FieldReason),
	}
}

// MessageAdmin carries message responses and ownership-trade operations.
// Type is one of the schema.Admin* values.
type MessageAdmin struct {
	Type      string
	MessageID uint32
	Status    string
	Body      []byte
	Key       string
}

func (MessageAdmin) Kind() schema.Kind { return schema.KindMessageAdmin }

func (m MessageAdmin) fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldAdminType, m.Type)}
	fields = optU32(fields, schema.FieldID, m.MessageID)
	fields = optString(fields, schema.FieldStatus, m.Status)
	if m.Body != nil {
		fields = append(fields, tlv.Bytes(schema.FieldMsgBody, m.Body))
	}
	fields = optString(fields, schema.FieldName, m.Key)
	return fields
}

func decodeMessageAdmin(r *tlv.Reader) Record {
	return MessageAdmin{
		Type:      r.String(schema.FieldAdminType),
		MessageID: r.OptU32(schema.FieldID),
		Status:    r.OptString(schema.FieldStatus),
		Body:      r.Bytes(schema.FieldMsgBody),
		Key:       r.OptString(schema.FieldName),
	}
}

// KillNotification subscribes to, and later reports, the exit of a component.
type KillNotification struct {
	ComponentID uint32
}

func (KillNotification) Kind() schema.Kind { return schema.KindKillNotification }

func (k KillNotification) fields() []tlv.Field {
	return []tlv.Field{tlv.U32(schema.FieldComponentID, k.ComponentID)}
}

type LockRequest struct {
	Name string
}

func (LockRequest) Kind() schema.Kind { return schema.KindLockRequest }

func (l LockRequest) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldName, l.Name)}
}

type LockRelease struct {
	Name string
}

func (LockRelease) Kind() schema.Kind { return schema.KindLockRelease }

func (l LockRelease) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldName, l.Name)}
}

// LockResponse answers LockRequest and LockRelease. Owner is the component
// holding the lock after the call.
type LockResponse struct {
	Name   string
	Status string
	Owner  uint32
}

func (LockResponse) Kind() schema.Kind { return schema.KindLockResponse }

func (l LockResponse) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, l.Status),
		tlv.U32(schema.FieldOwner, l.Owner),
	}
	return optString(fields, schema.FieldName, l.Name)
}

func decodeLockResponse(r *tlv.Reader) Record {
	return LockResponse{
		Name:   r.OptString(schema.FieldName),
		Status: r.String(schema.FieldStatus),
		Owner:  r.U32(schema.FieldOwner),
	}
}

// LockNotification subscribes to, and later reports, the release of a lock.
type LockNotification struct {
	Name string
}

func (LockNotification) Kind() schema.Kind { return schema.KindLockNotification }

func (l LockNotification) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldName, l.Name)}
}

// LockListing is sent empty as a request; the reply pairs Names with Owners.
type LockListing struct {
	Names  []string
	Owners []uint32
}

func (LockListing) Kind() schema.Kind { return schema.KindLockListing }

func (l LockListing) fields() []tlv.Field {
	fields := optString(nil, schema.FieldNames, joinList(l.Names))
	return optU32List(fields, schema.FieldComponents, l.Owners)
}

func decodeLockListing(r *tlv.Reader) Record {
	return LockListing{
		Names:  splitList(r.OptString(schema.FieldNames)),
		Owners: r.U32List(schema.FieldComponents),
	}
}

// RegisterService asks the broker for ports. Status is StatusTry on the first
// request and StatusRetry, with the failed Ports, when asking again.
// Status StatusSuccess confirms the ports were bound.
type RegisterService struct {
	Status    string
	Name      string
	Channel   string
	Networks  []string
	Addresses []string
	PortCount uint32
	Ports     []uint32
	Computer  string
	FirstPort uint32
	BlockSize uint32
}

func (RegisterService) Kind() schema.Kind { return schema.KindRegisterService }

func (s RegisterService) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldStatus, s.Status),
		tlv.String(schema.FieldName, s.Name),
		tlv.String(schema.FieldChannel, s.Channel),
		tlv.U32(schema.FieldPortCount, s.PortCount),
		tlv.String(schema.FieldComputer, s.Computer),
	}
	fields = optString(fields, schema.FieldNetworks, joinList(s.Networks))
	fields = optString(fields, schema.FieldAddresses, joinList(s.Addresses))
	fields = optU32List(fields, schema.FieldPorts, s.Ports)
	if s.BlockSize > 0 {
		fields = append(fields, tlv.U32List(schema.FieldPortBlock, []uint32{s.FirstPort, s.BlockSize}))
	}
	return fields
}

func decodeRegisterService(r *tlv.Reader) Record {
	s := RegisterService{
		Status:    r.String(schema.FieldStatus),
		Name:      r.String(schema.FieldName),
		Channel:   r.String(schema.FieldChannel),
		PortCount: r.U32(schema.FieldPortCount),
		Computer:  r.String(schema.FieldComputer),
		Networks:  splitList(r.OptString(schema.FieldNetworks)),
		Addresses: splitList(r.OptString(schema.FieldAddresses)),
		Ports:     r.U32List(schema.FieldPorts),
	}
	if block := r.U32List(schema.FieldPortBlock); len(block) == 2 {
		s.FirstPort, s.BlockSize = block[0], block[1]
	}
	return s
}

// BrokerResult answers service registration and service lookup.
type BrokerResult struct {
	Status      string
	Name        string
	Address     string
	Ports       []uint32
	ComponentID uint32
	Reason      string
}

func (BrokerResult) Kind() schema.Kind { return schema.KindBrokerResult }

func (b BrokerResult) OK() bool { return b.Status == schema.StatusSuccess }

func (b BrokerResult) fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldStatus, b.Status)}
	fields = optString(fields, schema.FieldName, b.Name)
	fields = optString(fields, schema.FieldAddress, b.Address)
	fields = optU32List(fields, schema.FieldPorts, b.Ports)
	fields = optU32(fields, schema.FieldComponentID, b.ComponentID)
	fields = optString(fields, schema.FieldReason, b.Reason)
	return fields
}

func decodeBrokerResult(r *tlv.Reader) Record {
	return BrokerResult{
		Status:      r.String(schema.FieldStatus),
		Name:        r.OptString(schema.FieldName),
		Address:     r.OptString(schema.FieldAddress),
		Ports:       r.U32List(schema.FieldPorts),
		ComponentID: r.OptU32(schema.FieldComponentID),
		Reason:      r.OptString(schema.FieldReason),
	}
}

// RequestService looks up a service. With Async set the broker holds the
// reply until the service is registered.
type RequestService struct {
	Name     string
	Computer string
	Networks []string
	Async    bool
}

func (RequestService) Kind() schema.Kind { return schema.KindRequestService }

func (s RequestService) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldName, s.Name),
		tlv.String(schema.FieldComputer, s.Computer),
	}
	fields = optString(fields, schema.FieldNetworks, joinList(s.Networks))
	if s.Async {
		fields = append(fields, tlv.Bool(schema.FieldAsync, true))
	}
	return fields
}

func decodeRequestService(r *tlv.Reader) Record {
	return RequestService{
		Name:     r.String(schema.FieldName),
		Computer: r.String(schema.FieldComputer),
		Networks: splitList(r.OptString(schema.FieldNetworks)),
		Async:    r.Bool(schema.FieldAsync),
	}
}

// ServiceRelease subscribes to, and later reports, a service going away.
type ServiceRelease struct {
	Name string
}

func (ServiceRelease) Kind() schema.Kind { return schema.KindServiceRelease }

func (s ServiceRelease) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldName, s.Name)}
}

// Service info operations. InfoOwner is answered with a BrokerResult
// carrying the owning component.
const (
	InfoGet   = "get"
	InfoSet   = "set"
	InfoOwner = "owner"
)

type ServiceInfo struct {
	Op   string
	Name string
	Info string
}

func (ServiceInfo) Kind() schema.Kind { return schema.KindServiceInfo }

func (s ServiceInfo) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldOp, s.Op),
		tlv.String(schema.FieldName, s.Name),
	}
	return optString(fields, schema.FieldInfo, s.Info)
}

func decodeServiceInfo(r *tlv.Reader) Record {
	return ServiceInfo{
		Op:   r.String(schema.FieldOp),
		Name: r.String(schema.FieldName),
		Info: r.OptString(schema.FieldInfo),
	}
}

// Service list types.
const (
	ListActive  = "active"
	ListPending = "pending"
)

// GetServices is sent with only ListType; the reply pairs Names with the
// owning Components.
type GetServices struct {
	ListType   string
	Names      []string
	Components []uint32
}

func (GetServices) Kind() schema.Kind { return schema.KindGetServices }

func (s GetServices) fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldListType, s.ListType)}
	fields = optString(fields, schema.FieldNames, joinList(s.Names))
	return optU32List(fields, schema.FieldComponents, s.Components)
}

func decodeGetServices(r *tlv.Reader) Record {
	return GetServices{
		ListType:   r.String(schema.FieldListType),
		Names:      splitList(r.OptString(schema.FieldNames)),
		Components: r.U32List(schema.FieldComponents),
	}
}

// Attribute query types.
const (
	AttrTypeValue     = "value"
	AttrTypeGlobal    = "global"
	AttrTypeProcesses = "processes"
)

type AttrGet struct {
	Attr string
	Type string
}

func (AttrGet) Kind() schema.Kind { return schema.KindAttrGet }

func (a AttrGet) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldAttr, a.Attr),
		tlv.String(schema.FieldAttrType, a.Type),
	}
}

func decodeAttrGet(r *tlv.Reader) Record {
	return AttrGet{Attr: r.String(schema.FieldAttr), Type: r.String(schema.FieldAttrType)}
}

type AttrGetResult struct {
	Value string
}

func (AttrGetResult) Kind() schema.Kind { return schema.KindAttrGetResult }

func (a AttrGetResult) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldValue, a.Value)}
}

// AttrSet writes an attribute. With TestSet the broker only writes when the
// current value is empty and acknowledges with the outcome.
type AttrSet struct {
	Attr    string
	Value   string
	Type    string
	TestSet bool
}

func (AttrSet) Kind() schema.Kind { return schema.KindAttrSet }

func (a AttrSet) fields() []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldAttr, a.Attr),
		tlv.String(schema.FieldValue, a.Value),
	}
	fields = optString(fields, schema.FieldAttrType, a.Type)
	if a.TestSet {
		fields = append(fields, tlv.Bool(schema.FieldTestSet, true))
	}
	return fields
}

func decodeAttrSet(r *tlv.Reader) Record {
	return AttrSet{
		Attr:    r.String(schema.FieldAttr),
		Value:   r.String(schema.FieldValue),
		Type:    r.OptString(schema.FieldAttrType),
		TestSet: r.Bool(schema.FieldTestSet),
	}
}

// Kill asks the broker to drop a component from its tables.
type Kill struct {
	ComponentID uint32
}

func (Kill) Kind() schema.Kind { return schema.KindKill }

func (k Kill) fields() []tlv.Field {
	return []tlv.Field{tlv.U32(schema.FieldComponentID, k.ComponentID)}
}

// Disconnect is the broker's forced-disconnect control record.
type Disconnect struct {
	Reason string
}

func (Disconnect) Kind() schema.Kind { return schema.KindDisconnect }

func (d Disconnect) fields() []tlv.Field {
	return optString(nil, schema.FieldReason, d.Reason)
}
