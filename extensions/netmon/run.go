package netmon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	logx "guildbot/pkg/logx"
)

const measureTimeout = 4 * time.Minute

// Result is one completed measurement.
type Result struct {
	Timestamp     time.Time
	DownloadMbps  float64
	UploadMbps    float64
	PingMs        float64
	ISP           string
	ServerName    string
	ServerCountry string
}

// measure runs a single throughput test against the lowest-latency
// nearby server.
//
// A fresh client per run: speedtest-go's package-level default client
// keeps a DataManager that can retain large snapshots across runs.
func (m *monitor) measure(ctx context.Context, serverCount int) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, measureTimeout)
	defer cancel()

	st := speedtest.New()
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	user, err := st.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}

	// Closest candidates by distance first (cheap), then ping those.
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	if serverCount <= 0 {
		serverCount = defaultServerCount
	}
	if serverCount > len(servers) {
		serverCount = len(servers)
	}

	var best *speedtest.Server
	for _, s := range servers[:serverCount] {
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("all latency tests failed")
	}

	m.log.Debug("testing against server",
		logx.String("name", best.Sponsor),
		logx.String("country", best.Country),
		logx.Int64("ping_ms", best.Latency.Milliseconds()))

	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	return &Result{
		Timestamp:     time.Now(),
		DownloadMbps:  best.DLSpeed.Mbps(),
		UploadMbps:    best.ULSpeed.Mbps(),
		PingMs:        float64(best.Latency.Milliseconds()),
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
	}, nil
}
