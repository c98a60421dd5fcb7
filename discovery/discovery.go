// Package discovery advertises collaboration sessions on the local network
// over mDNS and browses for sessions advertised by other instances. It is
// best effort: every failure here is logged and swallowed so collaboration
// keeps working without discovery.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/mitchellh/mapstructure"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultServiceType is the mDNS service tag shared by all instances.
	DefaultServiceType = "_cloudocs._tcp"

	// ProtocolVersion is carried in every announcement so peers can skip
	// incompatible instances.
	ProtocolVersion = "1"

	domain = "local."

	// recordTTL is how long a discovered session stays in the cache
	// without being re-announced; expiry drives the onLost callback.
	// mDNS gives no reliable goodbye signal through the resolver, so a
	// withdrawn announcement surfaces as onLost only once the record
	// expires: worst case recordTTL + cleanupInterval after the peer
	// stopped advertising. The TTL must stay comfortably above the
	// resolver's re-query interval or records flap.
	recordTTL       = 60 * time.Second
	cleanupInterval = 5 * time.Second
)

// SessionInfo is what an instance announces about a shared session.
type SessionInfo struct {
	ID           string
	Port         int
	Title        string
	HostName     string
	DocumentType string
	CreatedAt    time.Time
}

// Record is one discovered session, rebuilt from an mDNS announcement.
// Records are ephemeral; nothing here is persisted.
type Record struct {
	SessionID       string    `json:"sessionId"`
	HostName        string    `json:"hostName"`
	DocumentType    string    `json:"documentType"`
	CreatedAt       time.Time `json:"createdAt"`
	ProtocolVersion string    `json:"protocolVersion"`
	Addr            string    `json:"addr"`
	Port            int       `json:"port"`
}

// txtAttrs is the wire form of a record's TXT attribute set.
type txtAttrs struct {
	SessionID       string `mapstructure:"sessionId"`
	HostName        string `mapstructure:"hostName"`
	DocumentType    string `mapstructure:"documentType"`
	CreatedAt       string `mapstructure:"createdAt"`
	ProtocolVersion string `mapstructure:"protocolVersion"`
}

// Service owns at most one active advertisement and one browse loop.
type Service struct {
	serviceType string

	mu           sync.Mutex
	server       *zeroconf.Server
	browseCancel context.CancelFunc
	onFound      func(Record)
	onLost       func(Record)

	records *cache.Cache
}

func New(serviceType string) *Service {
	if serviceType == "" {
		serviceType = DefaultServiceType
	}
	s := &Service{
		serviceType: serviceType,
		records:     cache.New(recordTTL, cleanupInterval),
	}
	s.records.OnEvicted(func(_ string, v interface{}) {
		s.mu.Lock()
		lost := s.onLost
		s.mu.Unlock()
		if lost != nil {
			lost(v.(Record))
		}
	})
	return s
}

// Advertise publishes a session announcement. A second call replaces the
// previous announcement; there is at most one per service.
func (s *Service) Advertise(info SessionInfo) error {
	instance := info.Title
	if instance == "" {
		instance = "Cloudocs Session"
	}
	host := info.HostName
	if host == "" {
		host, _ = os.Hostname()
	}
	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	txt := []string{
		"sessionId=" + info.ID,
		"hostName=" + host,
		"documentType=" + info.DocumentType,
		"createdAt=" + strconv.FormatInt(created.Unix(), 10),
		"protocolVersion=" + ProtocolVersion,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Shutdown()
		s.server = nil
	}
	server, err := zeroconf.Register(instance, s.serviceType, domain, info.Port, txt, nil)
	if err != nil {
		log.Error().Err(err).Str("session", info.ID).Msg("failed to register mdns service")
		return fmt.Errorf("advertise session: %w", err)
	}
	s.server = server
	log.Info().Str("session", info.ID).Int("port", info.Port).Str("instance", instance).Msg("session advertised")
	return nil
}

// StopAdvertising withdraws the current announcement. Calling it with
// nothing advertised is a no-op.
func (s *Service) StopAdvertising() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return
	}
	s.server.Shutdown()
	s.server = nil
	log.Info().Msg("stopped advertising session")
}

// StartBrowsing listens for announcements from other instances. onFound fires
// for every new or changed record, onLost when a record expires or is
// withdrawn. Both callbacks may be nil.
func (s *Service) StartBrowsing(onFound, onLost func(Record)) error {
	s.mu.Lock()
	if s.browseCancel != nil {
		s.mu.Unlock()
		return nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.mu.Unlock()
		log.Error().Err(err).Msg("failed to initialize mdns resolver")
		return fmt.Errorf("start browsing: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.browseCancel = cancel
	s.onFound = onFound
	s.onLost = onLost
	s.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			s.observe(entry)
		}
	}()
	if err := resolver.Browse(ctx, s.serviceType, domain, entries); err != nil {
		log.Error().Err(err).Msg("failed to browse for mdns services")
		s.StopBrowsing()
		return fmt.Errorf("start browsing: %w", err)
	}
	log.Info().Str("service", s.serviceType).Msg("browsing for sessions")
	return nil
}

// observe folds one announcement into the cache and fires onFound for new or
// changed records.
func (s *Service) observe(entry *zeroconf.ServiceEntry) {
	rec, err := recordFromEntry(entry)
	if err != nil {
		log.Warn().Err(err).Str("instance", entry.Instance).Msg("ignoring malformed announcement")
		return
	}

	changed := true
	if prev, ok := s.records.Get(rec.SessionID); ok {
		changed = prev.(Record) != rec
	}
	s.records.Set(rec.SessionID, rec, cache.DefaultExpiration)

	if !changed {
		return
	}
	s.mu.Lock()
	found := s.onFound
	s.mu.Unlock()
	if found != nil {
		found(rec)
	}
}

// recordFromEntry rebuilds a Record from a service entry, preferring an IPv4
// address when the announcement carries several.
func recordFromEntry(entry *zeroconf.ServiceEntry) (Record, error) {
	attrs := make(map[string]interface{}, len(entry.Text))
	for _, kv := range entry.Text {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				attrs[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	var txt txtAttrs
	if err := mapstructure.Decode(attrs, &txt); err != nil {
		return Record{}, fmt.Errorf("decode txt attributes: %w", err)
	}
	if txt.SessionID == "" {
		return Record{}, fmt.Errorf("announcement %q has no session id", entry.Instance)
	}

	rec := Record{
		SessionID:       txt.SessionID,
		HostName:        txt.HostName,
		DocumentType:    txt.DocumentType,
		ProtocolVersion: txt.ProtocolVersion,
		Port:            entry.Port,
	}
	if epoch, err := strconv.ParseInt(txt.CreatedAt, 10, 64); err == nil {
		rec.CreatedAt = time.Unix(epoch, 0)
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		rec.Addr = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		rec.Addr = entry.AddrIPv6[0].String()
	}
	return rec, nil
}

// StopBrowsing stops the browse loop. The cache is left as-is and goes stale.
func (s *Service) StopBrowsing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browseCancel == nil {
		return
	}
	s.browseCancel()
	s.browseCancel = nil
	log.Info().Msg("stopped browsing for sessions")
}

// DiscoveredSessions snapshots the record cache.
func (s *Service) DiscoveredSessions() []Record {
	items := s.records.Items()
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(Record))
	}
	return out
}

// Destroy stops advertising and browsing and drops the cache without firing
// onLost.
func (s *Service) Destroy() {
	s.StopAdvertising()
	s.StopBrowsing()
	s.mu.Lock()
	s.onFound = nil
	s.onLost = nil
	s.mu.Unlock()
	s.records.Flush()
}
