package brokertest

import (
	"sort"

	"github.com/danmuck/brokerlink/internal/protocol/record"
	"github.com/danmuck/brokerlink/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

func reply(p *peer, match uint64, rec record.Record) []outbound {
	return []outbound{{peer: p.id, match: match, rec: rec}}
}

func ack(status, reason string) record.Ack {
	return record.Ack{Status: status, Reason: reason}
}

// handle applies one inbound record and returns what to send.
func (s *Server) handle(p *peer, match uint64, rec record.Record) []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := rec.(type) {
	case record.LockRequest:
		return s.lockRequest(p, match, r)
	case record.LockRelease:
		return s.lockRelease(p, match, r)
	case record.LockNotification:
		if _, held := s.locks[r.Name]; !held {
			return reply(p, match, r)
		}
		s.lockSubs[r.Name] = append(s.lockSubs[r.Name], sub{p.id, match})
		return nil
	case record.LockListing:
		return reply(p, match, s.lockListing())
	case record.KillNotification:
		if _, alive := s.peers[r.ComponentID]; !alive {
			return reply(p, match, r)
		}
		s.killSubs[r.ComponentID] = append(s.killSubs[r.ComponentID], sub{p.id, match})
		return nil
	case record.Kill:
		target, ok := s.peers[r.ComponentID]
		if !ok {
			return reply(p, match, ack(schema.StatusFailure, "no such component"))
		}
		// The connection handler runs drop once the read fails.
		_ = target.conn.Close()
		return reply(p, match, ack(schema.StatusSuccess, ""))
	case record.Message:
		return s.message(p, match, r)
	case record.MessageAdmin:
		return s.messageAdmin(p, match, r)
	case record.RegisterService:
		return s.registerService(p, match, r)
	case record.RequestService:
		return s.requestService(p, match, r)
	case record.ServiceRelease:
		if _, ok := s.services[r.Name]; !ok {
			return reply(p, match, r)
		}
		s.releaseSubs[r.Name] = append(s.releaseSubs[r.Name], sub{p.id, match})
		return nil
	case record.ServiceInfo:
		return s.serviceInfo(p, match, r)
	case record.GetServices:
		return reply(p, match, s.listServices(r.ListType))
	case record.AttrGet:
		return reply(p, match, s.attrGet(r))
	case record.AttrSet:
		return reply(p, match, s.attrSet(r))
	default:
		log.Warn().Str("kind", schema.KindName(rec.Kind())).Msg("brokertest.handle ignoring record")
		return nil
	}
}

func (s *Server) lockRequest(p *peer, match uint64, r record.LockRequest) []outbound {
	owner, held := s.locks[r.Name]
	if held && owner != p.id {
		return reply(p, match, record.LockResponse{Name: r.Name, Status: schema.StatusFailure, Owner: owner})
	}
	s.locks[r.Name] = p.id
	return reply(p, match, record.LockResponse{Name: r.Name, Status: schema.StatusSuccess, Owner: p.id})
}

func (s *Server) lockRelease(p *peer, match uint64, r record.LockRelease) []outbound {
	owner, held := s.locks[r.Name]
	if !held || owner != p.id {
		return reply(p, match, record.LockResponse{Name: r.Name, Status: schema.StatusFailure, Owner: owner})
	}
	delete(s.locks, r.Name)
	out := reply(p, match, record.LockResponse{Name: r.Name, Status: schema.StatusSuccess})
	return append(out, s.fireLockSubs(r.Name)...)
}

func (s *Server) fireLockSubs(name string) []outbound {
	var out []outbound
	for _, w := range s.lockSubs[name] {
		out = append(out, outbound{w.peer, w.match, record.LockNotification{Name: name}})
	}
	delete(s.lockSubs, name)
	return out
}

func (s *Server) fireReleaseSubs(name string) []outbound {
	var out []outbound
	for _, w := range s.releaseSubs[name] {
		out = append(out, outbound{w.peer, w.match, record.ServiceRelease{Name: name}})
	}
	delete(s.releaseSubs, name)
	return out
}

func (s *Server) lockListing() record.LockListing {
	names := make([]string, 0, len(s.locks))
	for name := range s.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := record.LockListing{Names: names, Owners: make([]uint32, len(names))}
	for i, name := range names {
		out.Owners[i] = s.locks[name]
	}
	return out
}

func (s *Server) message(p *peer, match uint64, r record.Message) []outbound {
	if _, ok := s.peers[r.Dest]; !ok {
		return reply(p, match, ack(schema.StatusFailure, "no such component"))
	}
	s.nextMsg++
	id := s.nextMsg
	s.messages[id] = &pendingMessage{from: p.id, match: match, owner: r.Dest}

	fwd := r
	fwd.ID = id
	fwd.From = p.id
	return []outbound{
		{peer: p.id, match: match, rec: record.Ack{Status: schema.StatusSuccess, ID: id}},
		{peer: r.Dest, match: 0, rec: fwd},
	}
}

func (s *Server) messageAdmin(p *peer, match uint64, r record.MessageAdmin) []outbound {
	switch r.Type {
	case schema.AdminResponse:
		m, ok := s.messages[r.MessageID]
		if !ok || m.owner != p.id {
			return reply(p, match, ack(schema.StatusFailure, "not the message owner"))
		}
		if r.Status != schema.StatusContinue {
			delete(s.messages, r.MessageID)
		}
		return []outbound{
			{peer: p.id, match: match, rec: ack(schema.StatusSuccess, "")},
			{peer: m.from, match: m.match, rec: record.MessageAdmin{
				Type:      schema.AdminResponse,
				MessageID: r.MessageID,
				Status:    r.Status,
				Body:      r.Body,
			}},
		}
	case schema.AdminTrade:
		m, ok := s.messages[r.MessageID]
		if !ok || m.owner != p.id {
			return reply(p, match, ack(schema.StatusFailure, "not the message owner"))
		}
		if _, taken := s.trades[r.Key]; taken {
			return reply(p, match, ack(schema.StatusFailure, "trade key in use"))
		}
		s.trades[r.Key] = trade{messageID: r.MessageID, owner: p.id, match: match}
		return reply(p, match, ack(schema.StatusSuccess, ""))
	case schema.AdminRevokeTrade:
		tr, ok := s.trades[r.Key]
		if !ok || tr.owner != p.id {
			return reply(p, match, ack(schema.StatusFailure, "no such trade"))
		}
		delete(s.trades, r.Key)
		return []outbound{
			{peer: p.id, match: match, rec: ack(schema.StatusSuccess, "")},
			{peer: tr.owner, match: tr.match, rec: record.MessageAdmin{
				Type:      schema.AdminTrade,
				MessageID: tr.messageID,
				Status:    schema.StatusFailure,
			}},
		}
	case schema.AdminOwnershipRequest:
		tr, ok := s.trades[r.Key]
		if !ok {
			return reply(p, match, ack(schema.StatusFailure, "no such trade"))
		}
		delete(s.trades, r.Key)
		if m, ok := s.messages[tr.messageID]; ok {
			m.owner = p.id
		}
		return []outbound{
			{peer: p.id, match: match, rec: record.Ack{Status: schema.StatusSuccess, ID: tr.messageID}},
			{peer: tr.owner, match: tr.match, rec: record.MessageAdmin{
				Type:      schema.AdminTrade,
				MessageID: tr.messageID,
				Status:    schema.StatusSuccess,
			}},
		}
	default:
		return reply(p, match, ack(schema.StatusFailure, "unknown admin type"))
	}
}

func (s *Server) registerService(p *peer, match uint64, r record.RegisterService) []outbound {
	fail := func(reason string) []outbound {
		return reply(p, match, record.BrokerResult{Status: schema.StatusFailure, Name: r.Name, Reason: reason})
	}
	svc, exists := s.services[r.Name]
	switch r.Status {
	case schema.StatusTry:
		if exists {
			return fail("service already registered")
		}
		svc = &service{name: r.Name, owner: p.id, channel: r.Channel, computer: r.Computer, address: "127.0.0.1"}
		if len(r.Addresses) > 0 {
			svc.address = r.Addresses[0]
		}
	case schema.StatusRetry:
		if !exists || svc.owner != p.id || svc.active {
			return fail("no pending registration")
		}
		for _, port := range r.Ports {
			s.badPorts[port] = true
		}
		svc.ports = nil
	case schema.StatusSuccess:
		if exists && svc.owner == p.id {
			svc.active = true
			out := make([]outbound, 0, len(s.lookups[r.Name]))
			for _, w := range s.lookups[r.Name] {
				out = append(out, outbound{w.peer, w.match, s.serviceResult(svc)})
			}
			delete(s.lookups, r.Name)
			return out
		}
		return nil
	default:
		return fail("unknown status")
	}

	ports, ok := s.allocate(r)
	if !ok {
		delete(s.services, r.Name)
		return fail("port block exhausted")
	}
	svc.ports = ports
	s.services[r.Name] = svc
	return reply(p, match, record.BrokerResult{
		Status:  schema.StatusSuccess,
		Name:    r.Name,
		Address: svc.address,
		Ports:   ports,
	})
}

// allocate picks the lowest free ports from the request's block, skipping
// ports in use and ports a client failed to bind.
func (s *Server) allocate(r record.RegisterService) ([]uint32, bool) {
	first, size := uint32(s.opts.FirstPort), uint32(s.opts.BlockSize)
	if r.BlockSize > 0 {
		first, size = r.FirstPort, r.BlockSize
	}
	inUse := make(map[uint32]bool)
	for _, svc := range s.services {
		for _, port := range svc.ports {
			inUse[port] = true
		}
	}
	out := make([]uint32, 0, r.PortCount)
	for port := first; port < first+size && uint32(len(out)) < r.PortCount; port++ {
		if inUse[port] || s.badPorts[port] {
			continue
		}
		out = append(out, port)
	}
	return out, uint32(len(out)) == r.PortCount
}

func (s *Server) serviceResult(svc *service) record.BrokerResult {
	return record.BrokerResult{
		Status:      schema.StatusSuccess,
		Name:        svc.name,
		Address:     svc.address,
		Ports:       append([]uint32(nil), svc.ports...),
		ComponentID: svc.owner,
	}
}

func (s *Server) requestService(p *peer, match uint64, r record.RequestService) []outbound {
	if svc, ok := s.services[r.Name]; ok && svc.active {
		return reply(p, match, s.serviceResult(svc))
	}
	if r.Async {
		s.lookups[r.Name] = append(s.lookups[r.Name], sub{p.id, match})
		return nil
	}
	return reply(p, match, record.BrokerResult{Status: schema.StatusFailure, Name: r.Name, Reason: "no such service"})
}

func (s *Server) serviceInfo(p *peer, match uint64, r record.ServiceInfo) []outbound {
	svc, ok := s.services[r.Name]
	switch r.Op {
	case record.InfoGet:
		info := ""
		if ok {
			info = svc.info
		}
		return reply(p, match, record.ServiceInfo{Op: record.InfoGet, Name: r.Name, Info: info})
	case record.InfoSet:
		if !ok || svc.owner != p.id {
			return reply(p, match, ack(schema.StatusFailure, "not the service owner"))
		}
		svc.info = r.Info
		return reply(p, match, ack(schema.StatusSuccess, ""))
	case record.InfoOwner:
		if !ok || !svc.active {
			return reply(p, match, record.BrokerResult{Status: schema.StatusFailure, Name: r.Name})
		}
		return reply(p, match, record.BrokerResult{Status: schema.StatusSuccess, Name: r.Name, ComponentID: svc.owner})
	default:
		return reply(p, match, ack(schema.StatusFailure, "unknown op"))
	}
}

func (s *Server) listServices(listType string) record.GetServices {
	out := record.GetServices{ListType: listType}
	names := make([]string, 0, len(s.services))
	for name, svc := range s.services {
		if svc.active == (listType == record.ListActive) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out.Names = append(out.Names, name)
		out.Components = append(out.Components, s.services[name].owner)
	}
	return out
}

func (s *Server) attrGet(r record.AttrGet) record.AttrGetResult {
	switch r.Type {
	case record.AttrTypeGlobal:
		return record.AttrGetResult{Value: s.globals[r.Attr]}
	case record.AttrTypeProcesses:
		return record.AttrGetResult{Value: s.processList()}
	default:
		return record.AttrGetResult{Value: s.attrs[r.Attr]}
	}
}

func (s *Server) attrSet(r record.AttrSet) record.Ack {
	table := s.attrs
	if r.Type == record.AttrTypeGlobal {
		table = s.globals
	}
	if r.TestSet && table[r.Attr] != "" {
		return ack(schema.StatusFailure, "already set")
	}
	table[r.Attr] = r.Value
	return ack(schema.StatusSuccess, "")
}
