package port

import (
	"context"
	"os"
	"sort"

	"github.com/samber/lo"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const statusListen = "LISTEN"

// maxTreeDepth bounds the descendant walk of ListeningPorts.
const maxTreeDepth = 8

// Resolver maps processes to the TCP ports they listen on and back.
// Every lookup is best effort: failures are logged and yield an empty result.
type Resolver struct {
	logger  *zap.Logger
	exclude int
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used for lookup diagnostics
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a Resolver. The calling process is never reported by
// PIDsListeningOn so a port-based stop cannot signal the supervisor itself.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger:  zap.NewNop(),
		exclude: os.Getpid(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListeningPorts returns the sorted TCP ports on which pid or any of its
// descendants listen.
func (r *Resolver) ListeningPorts(ctx context.Context, pid int) []int {
	if pid <= 0 {
		return []int{}
	}

	tree := r.processTree(ctx, int32(pid)) //nolint:gosec // pids fit in int32
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		r.logger.Debug("listing connections failed", zap.Int("pid", pid), zap.Error(err))
		return []int{}
	}

	ports := lo.FilterMap(conns, func(c psnet.ConnectionStat, _ int) (int, bool) {
		return int(c.Laddr.Port), c.Status == statusListen && tree[c.Pid]
	})
	return sortedUnique(ports)
}

// PIDsListeningOn returns the sorted pids holding a TCP listener on any of ports.
func (r *Resolver) PIDsListeningOn(ctx context.Context, ports []int) []int {
	if len(ports) == 0 {
		return []int{}
	}

	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		r.logger.Debug("listing connections failed", zap.Ints("ports", ports), zap.Error(err))
		return []int{}
	}

	wanted := lo.SliceToMap(ports, func(p int) (uint32, struct{}) {
		return uint32(p), struct{}{} //nolint:gosec // ports are validated to 1..65535
	})
	pids := lo.FilterMap(conns, func(c psnet.ConnectionStat, _ int) (int, bool) {
		_, ok := wanted[c.Laddr.Port]
		pid := int(c.Pid)
		return pid, ok && c.Status == statusListen && pid > 0 && pid != r.exclude
	})
	return sortedUnique(pids)
}

// Owner returns the pid and executable name of the first process listening
// on port. It returns -1 and "" when no owner is visible.
func (r *Resolver) Owner(ctx context.Context, port int) (int, string) {
	pids := r.PIDsListeningOn(ctx, []int{port})
	if len(pids) == 0 {
		return -1, ""
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pids[0])) //nolint:gosec // pids fit in int32
	if err != nil {
		return pids[0], ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return pids[0], ""
	}
	return pids[0], name
}

// processTree returns root and its descendants, breadth first.
func (r *Resolver) processTree(ctx context.Context, root int32) map[int32]bool {
	tree := map[int32]bool{root: true}
	level := []int32{root}

	for depth := 0; depth < maxTreeDepth && len(level) > 0; depth++ {
		var next []int32
		for _, pid := range level {
			proc, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				continue
			}
			children, err := proc.ChildrenWithContext(ctx)
			if err != nil {
				continue
			}
			for _, child := range children {
				if !tree[child.Pid] {
					tree[child.Pid] = true
					next = append(next, child.Pid)
				}
			}
		}
		level = next
	}
	return tree
}

func sortedUnique(values []int) []int {
	result := lo.Uniq(values)
	sort.Ints(result)
	return result
}
