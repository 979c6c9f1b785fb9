package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Listener is the immutable settings snapshot taken for each request
type Listener struct {
	TargetTaskName  string
	TargetBranch    string
	ListenPort      uint16
	NotificationURL string
}

// NotificationsEnabled reports whether a notification URL is configured
func (l Listener) NotificationsEnabled() bool {
	return l.NotificationURL != ""
}

// Provider hands out the current settings snapshot
type Provider interface {
	Listener() Listener
}

// Static always returns the same snapshot
type Static Listener

func (s Static) Listener() Listener { return Listener(s) }

// ViperProvider serves the snapshot last loaded from viper. Watch keeps it
// current as the config file changes on disk.
type ViperProvider struct {
	v        *viper.Viper
	current  atomic.Pointer[Listener]
	onChange func(Listener, error)
}

func NewViperProvider(v *viper.Viper) *ViperProvider {
	p := &ViperProvider{v: v}
	_ = p.Refresh()
	return p
}

func (p *ViperProvider) Listener() Listener {
	return *p.current.Load()
}

// Refresh reloads the snapshot. An invalid configuration keeps the
// previous snapshot in place.
func (p *ViperProvider) Refresh() error {
	cfg, err := Load(p.v)
	if err != nil {
		if p.current.Load() == nil {
			l := cfg.Listener()
			p.current.Store(&l)
		}
		return err
	}
	l := cfg.Listener()
	p.current.Store(&l)
	return nil
}

// Watch refreshes the snapshot whenever the config file is rewritten.
// onChange, if set, observes every reload.
func (p *ViperProvider) Watch(onChange func(Listener, error)) {
	p.onChange = onChange
	p.v.OnConfigChange(func(fsnotify.Event) {
		err := p.Refresh()
		if p.onChange != nil {
			p.onChange(p.Listener(), err)
		}
	})
	p.v.WatchConfig()
}
