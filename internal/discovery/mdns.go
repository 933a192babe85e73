// ABOUTME: mDNS advertisement and browsing for ScorePlayer servers
// ABOUTME: Resolves name collisions by suffixing and re-registers on rename
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	defaultDomain      = "local"
	defaultProbeWindow = 750 * time.Millisecond
	browseInterval     = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	// Name is the human readable service name. Collisions get " (2)",
	// " (3)" and so on appended.
	Name string

	DeviceName      string
	ServiceType     string
	Domain          string
	Port            int
	ProtocolVersion int32

	// ProbeWindow is how long Advertise listens for existing names
	// before registering. Zero uses the default, negative skips probing.
	ProbeWindow time.Duration

	Debug bool
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes registrations
	opMu sync.Mutex

	mu         sync.Mutex
	server     *mdns.Server
	advertised string

	servers chan *ServerInfo
}

// ServerInfo describes a discovered ScorePlayer server
type ServerInfo struct {
	Name            string
	Host            string
	Port            int
	DeviceName      string
	ProtocolVersion int32
}

// Address returns host:port
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Domain == "" {
		config.Domain = defaultDomain
	}
	if config.ProbeWindow == 0 {
		config.ProbeWindow = defaultProbeWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 16),
	}
}

// Advertise registers the service and returns the name actually used
func (m *Manager) Advertise() (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.withdraw()
	return m.register(m.config.Name)
}

// Rename replaces any current registration with one under name
func (m *Manager) Rename(name string) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.withdraw()
	m.config.Name = name
	return m.register(name)
}

// SetPort changes the advertised port for the next registration
func (m *Manager) SetPort(port int) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.config.Port = port
}

// Advertised returns the registered name, or "" when not advertising
func (m *Manager) Advertised() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertised
}

func (m *Manager) register(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("empty service name")
	}

	taken := map[string]bool{}
	if m.config.ProbeWindow > 0 {
		for _, s := range m.Lookup(m.config.ProbeWindow) {
			taken[s.Name] = true
		}
	}
	name := ResolveName(base, func(candidate string) bool { return taken[candidate] })

	ips, err := getLocalIPs()
	if err != nil {
		return "", fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		name,
		m.config.ServiceType,
		m.config.Domain,
		"",
		m.config.Port,
		ips,
		txtRecords(m.config.DeviceName, m.config.ProtocolVersion),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return "", fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.advertised = name
	m.mu.Unlock()

	if name != base {
		log.Printf("Service name %q is taken, advertising as %q", base, name)
	}
	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", name, m.config.Port, m.config.ServiceType)
	return name, nil
}

// withdraw shuts down the current registration, if any
func (m *Manager) withdraw() {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.advertised = ""
	m.mu.Unlock()

	if server != nil {
		server.Shutdown()
	}
}

// Withdraw stops advertising but keeps browsing alive
func (m *Manager) Withdraw() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.withdraw()
}

// Lookup runs a single query and returns every server seen within timeout
func (m *Manager) Lookup(timeout time.Duration) []*ServerInfo {
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []*ServerInfo
	done := make(chan struct{})

	go func() {
		defer close(done)
		seen := map[string]bool{}
		for entry := range entries {
			info := m.parseEntry(entry)
			if info == nil || seen[info.Name] {
				continue
			}
			seen[info.Name] = true
			found = append(found, info)
		}
	}()

	params := &mdns.QueryParam{
		Service:     m.config.ServiceType,
		Domain:      m.config.Domain,
		Timeout:     timeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	if err := mdns.Query(params); err != nil && m.config.Debug {
		log.Printf("mDNS query failed: %v", err)
	}
	close(entries)
	<-done

	return found
}

// Browse searches for servers until Stop is called. Results arrive on
// Servers().
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

func (m *Manager) browseLoop() {
	for {
		for _, server := range m.Lookup(browseInterval) {
			if m.config.Debug {
				log.Printf("Discovered server: %s at %s", server.Name, server.Address())
			}
			select {
			case m.servers <- server:
			case <-m.ctx.Done():
				return
			}
		}

		select {
		case <-m.ctx.Done():
			return
		default:
		}
	}
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop withdraws the advertisement and ends browsing
func (m *Manager) Stop() {
	m.cancel()
	m.withdraw()
}

func (m *Manager) parseEntry(entry *mdns.ServiceEntry) *ServerInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}
	name, ok := instanceName(entry.Name, m.config.ServiceType, m.config.Domain)
	if !ok {
		return nil
	}

	info := &ServerInfo{
		Name: name,
		Host: entry.AddrV4.String(),
		Port: entry.Port,
	}
	for _, field := range entry.InfoFields {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "device":
			info.DeviceName = value
		case "version":
			if v, err := strconv.Atoi(value); err == nil {
				info.ProtocolVersion = int32(v)
			}
		}
	}
	return info
}

// ResolveName returns base, or base with the lowest free " (n)" suffix
func ResolveName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	stem := stripSuffix(base)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", stem, n)
		if !taken(candidate) {
			return candidate
		}
	}
}

// stripSuffix removes a trailing " (n)" so renames don't stack suffixes
func stripSuffix(name string) string {
	if !strings.HasSuffix(name, ")") {
		return name
	}
	open := strings.LastIndex(name, " (")
	if open < 0 {
		return name
	}
	if _, err := strconv.Atoi(name[open+2 : len(name)-1]); err != nil {
		return name
	}
	return name[:open]
}

func txtRecords(device string, version int32) []string {
	return []string{
		"version=" + strconv.Itoa(int(version)),
		"device=" + device,
	}
}

// instanceName extracts the instance label from a full service entry name
// such as "Stage\ Left._scoreplayer._tcp.local."
func instanceName(full, service, domain string) (string, bool) {
	suffix := "." + strings.Trim(service, ".") + "." + strings.Trim(domain, ".") + "."
	if !strings.HasSuffix(full, suffix) {
		return "", false
	}
	return unescapeLabel(strings.TrimSuffix(full, suffix)), true
}

// unescapeLabel undoes DNS presentation escaping (\. \  and \DDD)
func unescapeLabel(label string) string {
	if !strings.Contains(label, `\`) {
		return label
	}
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' || i+1 >= len(label) {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v, _ := strconv.Atoi(label[i+1 : i+4])
			b.WriteByte(byte(v))
			i += 3
			continue
		}
		b.WriteByte(label[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// getLocalIPs returns local IPv4 addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
