package server

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/config"
)

// NamespaceRoute 把一个缓存命名空间与其上游和生效 TTL 绑在一起。
type NamespaceRoute struct {
	Name     string
	Upstream string
	TTL      time.Duration

	fetcher adapter.Adapter
}

// Fetcher 返回该命名空间的回源适配器。
func (r *NamespaceRoute) Fetcher() adapter.Adapter {
	return r.fetcher
}

// NamespaceRegistry 维护命名空间到上游的映射，查找走读锁，
// 热更新时整体换表。
type NamespaceRegistry struct {
	mu     sync.RWMutex
	routes map[string]*NamespaceRoute
}

// NewNamespaceRegistry 从配置构建注册表，每个命名空间预先建好回源适配器。
func NewNamespaceRegistry(cfg *config.Config, client *http.Client) (*NamespaceRegistry, error) {
	reg := &NamespaceRegistry{routes: make(map[string]*NamespaceRoute)}
	if err := reg.Reload(cfg, client); err != nil {
		return nil, err
	}
	return reg, nil
}

// Reload 用新配置整体替换路由表，供配置热更新调用。
func (r *NamespaceRegistry) Reload(cfg *config.Config, client *http.Client) error {
	routes := make(map[string]*NamespaceRoute, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		if _, dup := routes[ns.Name]; dup {
			return fmt.Errorf("duplicate namespace %s", ns.Name)
		}
		fetcher, err := adapter.New(config.SourceConfig{
			Name: ns.Name,
			Type: "https",
			URL:  ns.Upstream,
		}, client, adapter.Options{
			ConnectTimeout: cfg.Global.ConnectTimeout.DurationValue(),
		})
		if err != nil {
			return fmt.Errorf("build fetcher for namespace %s: %w", ns.Name, err)
		}
		routes[ns.Name] = &NamespaceRoute{
			Name:     ns.Name,
			Upstream: ns.Upstream,
			TTL:      cfg.EffectiveTTL(ns),
			fetcher:  fetcher,
		}
	}
	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
	return nil
}

// Lookup 返回命名空间对应的路由。
func (r *NamespaceRegistry) Lookup(name string) (*NamespaceRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[name]
	return route, ok
}

// List 返回全部路由，按名字排序。
func (r *NamespaceRegistry) List() []*NamespaceRoute {
	r.mu.RLock()
	out := make([]*NamespaceRoute, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
