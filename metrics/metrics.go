package metrics

import (
	"bytes"
	"encoding/json"
	"log"
	"net"
	"net/url"
	"time"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// CatalogInfo records one listing call against the remote store.
type CatalogInfo struct {
	Duration   time.Duration `json:"duration"`
	Location   string        `json:"location"`
	NumObjects int           `json:"num_objects"`
}

// LoadInfo records one raster fetch-and-decode cycle.
type LoadInfo struct {
	Duration     time.Duration `json:"duration"`
	Object       string        `json:"object"`
	BytesFetched int64         `json:"bytes_fetched"`
}

type MetricsInfo struct {
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	URL         URLInfo       `json:"url"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteHost  string        `json:"remote_host"`
	RemotePort  string        `json:"remote_port"`
	HTTPStatus  int           `json:"http_status"`
	Catalog     *CatalogInfo  `json:"catalog"`
	Load        *LoadInfo     `json:"load"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Catalog: &CatalogInfo{},
			Load:    &LoadInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	i.normaliseURL(&i.URL)

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(i)
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

func (i *MetricsInfo) normaliseURL(u *URLInfo) {
	if len(u.RawURL) == 0 {
		return
	}

	parsed, err := url.Parse(u.RawURL)
	if err != nil {
		log.Printf("metrics: normaliseURL() error: %v", err)
		return
	}

	u.Host = parsed.Host
	u.Path = parsed.Path
	u.Query = make(map[string]string)
	for k, v := range parsed.Query() {
		if len(v) > 0 {
			u.Query[k] = v[0]
		}
	}
}
