package servers

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Totals are the running counts published alongside the list.
type Totals struct {
	Servers int `json:"servers"`
	Clients int `json:"clients"`
}

// ListDocument is the consolidated snapshot served to clients.
type ListDocument struct {
	Total    Totals         `json:"total"`
	TotalMax Totals         `json:"total_max"`
	List     []PublicRecord `json:"list"`
}

// Publisher regenerates the published list file from the store. Publications
// are serialized, and the file is written to a temp path and renamed so a
// reader never observes a partial snapshot.
type Publisher struct {
	mu    sync.Mutex
	store Store
	path  string
	clk   clock.Clock
	log   zerolog.Logger

	maxServers int
	maxClients int
}

func NewPublisher(store Store, path string, clk clock.Clock, log zerolog.Logger) *Publisher {
	return &Publisher{
		store: store,
		path:  path,
		clk:   clk,
		log:   log.With().Str("component", "publisher").Logger(),
	}
}

// Load restores the all-time maxima from an existing snapshot, if any.
// Records themselves are not restored; servers re-announce within minutes.
func (p *Publisher) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc ListDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("corrupt list snapshot %s: %w", p.path, err)
	}
	p.maxServers = doc.TotalMax.Servers
	p.maxClients = doc.TotalMax.Clients
	return nil
}

// Publish rebuilds and atomically swaps the list file. Ordering is by rank
// score descending; the sort is stable so equal scores keep input order.
func (p *Publisher) Publish() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	records := p.store.Online()
	// Deterministic base order before the stable rank sort, so equal scores
	// do not shuffle between publications.
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identity().addrKey() < records[j].Identity().addrKey()
	})
	sort.SliceStable(records, func(i, j int) bool {
		return Points(&records[i], now) > Points(&records[j], now)
	})

	doc := ListDocument{List: make([]PublicRecord, 0, len(records))}
	for i := range records {
		doc.List = append(doc.List, records[i].Public(now))
		doc.Total.Clients += records[i].Clients
	}
	doc.Total.Servers = len(records)

	p.maxServers = max(p.maxServers, doc.Total.Servers)
	p.maxClients = max(p.maxClients, doc.Total.Clients)
	doc.TotalMax = Totals{Servers: p.maxServers, Clients: p.maxClients}

	onlineServers.Set(float64(doc.Total.Servers))

	data, err := json.Marshal(&doc)
	if err != nil {
		return err
	}

	tmp := p.path + "~"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return err
	}
	p.log.Debug().Int("servers", doc.Total.Servers).Int("clients", doc.Total.Clients).
		Msg("published list")
	return nil
}

// Maxima returns the all-time server and client maxima seen so far.
func (p *Publisher) Maxima() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Totals{Servers: p.maxServers, Clients: p.maxClients}
}
