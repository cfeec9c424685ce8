package registry

import (
	"context"
	"slices"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Proc is the view of one OS process the registry needs. Attribute reads are
// lazy so a scan can reject most processes by name without touching /proc
// for their cwd.
type Proc interface {
	PID() int
	Name(ctx context.Context) (string, error)
	Exe(ctx context.Context) (string, error)
	Cwd(ctx context.Context) (string, error)
	Zombie(ctx context.Context) (bool, error)
	CreateTime(ctx context.Context) (time.Time, error)
}

// Lister enumerates the OS process table.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
	Get(ctx context.Context, pid int) (Proc, error)
}

// OSLister reads the live process table through gopsutil.
type OSLister struct{}

func (OSLister) List(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		out = append(out, osProc{p: p})
	}
	return out, nil
}

func (OSLister) Get(ctx context.Context, pid int) (Proc, error) {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	return osProc{p: p}, nil
}

type osProc struct{ p *gopsproc.Process }

func (o osProc) PID() int { return int(o.p.Pid) }

func (o osProc) Name(ctx context.Context) (string, error) { return o.p.NameWithContext(ctx) }

func (o osProc) Exe(ctx context.Context) (string, error) { return o.p.ExeWithContext(ctx) }

func (o osProc) Cwd(ctx context.Context) (string, error) { return o.p.CwdWithContext(ctx) }

func (o osProc) Zombie(ctx context.Context) (bool, error) {
	st, err := o.p.StatusWithContext(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(st, gopsproc.Zombie), nil
}

func (o osProc) CreateTime(ctx context.Context) (time.Time, error) {
	ms, err := o.p.CreateTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
