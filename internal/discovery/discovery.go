// Package discovery finds the DFHack server to connect to, either from
// static settings or from an entry in etcd.
//
// An etcd entry's value is either "host:port" or a JSON object such as
//
//	{"host": "10.0.0.5", "port": 5000}
//	{"addr": "10.0.0.5:5000"}
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

var (
	ErrNotFound       = errors.New("discovery: no server registered")
	ErrInvalidAddress = errors.New("discovery: invalid address")
)

type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

type Resolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// Static always resolves to the same endpoint.
type Static struct {
	Endpoint Endpoint
}

func NewStatic(host string, port int) *Static {
	return &Static{Endpoint: Endpoint{Host: host, Port: port}}
}

func (s *Static) Resolve(ctx context.Context) (Endpoint, error) {
	return s.Endpoint, nil
}

// Etcd resolves the server from the entries under a key prefix. The first
// valid entry in key order wins.
type Etcd struct {
	kv     clientv3.KV
	client *clientv3.Client
	key    string
}

type EtcdConfig struct {
	Endpoints   []string
	Key         string
	DialTimeout time.Duration
}

func NewEtcd(conf EtcdConfig) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{kv: c, client: c, key: conf.Key}, nil
}

// NewEtcdKV resolves through an existing KV, e.g. a namespaced one.
func NewEtcdKV(kv clientv3.KV, key string) *Etcd {
	return &Etcd{kv: kv, key: key}
}

func (e *Etcd) Resolve(ctx context.Context) (Endpoint, error) {
	resp, err := e.kv.Get(ctx, e.key, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return Endpoint{}, fmt.Errorf("discovery: get %s: %w", e.key, err)
	}

	var errs []error
	for _, kv := range resp.Kvs {
		endpoint, err := ParseEndpoint(string(kv.Value))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kv.Key, err))
			continue
		}
		return endpoint, nil
	}
	return Endpoint{}, errors.Join(append([]error{fmt.Errorf("%w under %s", ErrNotFound, e.key)}, errs...)...)
}

func (e *Etcd) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

type jsonEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Addr string `json:"addr"`
}

// ParseEndpoint reads "host:port" or a JSON object with host and port, or
// addr.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var v jsonEndpoint
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		if v.Addr != "" {
			return parseHostPort(v.Addr)
		}
		return validate(Endpoint{Host: strings.TrimSpace(v.Host), Port: v.Port})
	}
	return parseHostPort(raw)
}

func parseHostPort(raw string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}
	return validate(Endpoint{Host: host, Port: port})
}

func validate(e Endpoint) (Endpoint, error) {
	if e.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: port %d", ErrInvalidAddress, e.Port)
	}
	return e, nil
}
