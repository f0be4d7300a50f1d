package client

import (
	"fmt"
	"net"
	"strings"

	"echorpc/registry"
)

const (
	listScheme = "list://"
	etcdScheme = "etcd://"
)

type targetKind int

const (
	targetSingle targetKind = iota
	targetList
	targetEtcd
)

// target is a parsed Options.Target:
//
//	host:port                    one server
//	list://h1:p1#w1,h2:p2        a fixed list, weights optional
//	etcd://ep1,ep2/ServiceName   instances discovered through etcd
type target struct {
	kind      targetKind
	addr      string
	instances []registry.ServiceInstance
	endpoints []string
	service   string
}

func parseTarget(s string) (*target, error) {
	switch {
	case strings.HasPrefix(s, listScheme):
		instances, err := registry.ParseInstanceList(strings.TrimPrefix(s, listScheme))
		if err != nil {
			return nil, err
		}
		return &target{kind: targetList, instances: instances}, nil

	case strings.HasPrefix(s, etcdScheme):
		rest := strings.TrimPrefix(s, etcdScheme)
		i := strings.IndexByte(rest, '/')
		if i < 0 || i == len(rest)-1 {
			return nil, fmt.Errorf("missing service name in %q", s)
		}
		var endpoints []string
		for _, ep := range strings.Split(rest[:i], ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("missing etcd endpoints in %q", s)
		}
		return &target{kind: targetEtcd, endpoints: endpoints, service: rest[i+1:]}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	if port == "" {
		return nil, fmt.Errorf("missing port in %q", s)
	}
	return &target{kind: targetSingle, addr: net.JoinHostPort(host, port)}, nil
}
