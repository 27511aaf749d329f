package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"covidbot/pkg/logx"
)

// sdNotify reports a state change to systemd. Outside a unit with
// NOTIFY_SOCKET it does nothing.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
