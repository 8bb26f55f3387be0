//go:build linux

// Package logind reports, over the system D-Bus, the systemd-logind
// session that owns this process. It does not query which session is
// currently active on a seat, so a VT change or seat handoff does not
// change the id it reports.
package logind

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"fbproducer/internal/sessionwatch"
)

const (
	busName         = "org.freedesktop.login1"
	managerPath     = "/org/freedesktop/login1"
	managerIface    = "org.freedesktop.login1.Manager"
	sessionIface    = "org.freedesktop.login1.Session"
	propertiesGet   = "org.freedesktop.DBus.Properties.Get"
	getSessionByPID = managerIface + ".GetSessionByPID"
)

// Watcher reports the logind session id owning this process, queried
// fresh on every call: GetSessionByPID followed by a property read of
// Id on the returned session object.
type Watcher struct {
	conn *dbus.Conn
	pid  uint32
}

// New connects to the system bus. The connection is held open for the
// lifetime of the Watcher; Close releases it.
func New() (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("logind: connect system bus: %w", err)
	}
	return &Watcher{conn: conn, pid: uint32(os.Getpid())}, nil
}

func (w *Watcher) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

var _ sessionwatch.Watcher = (*Watcher)(nil)

func (w *Watcher) CurrentSessionID() (sessionwatch.SessionID, error) {
	manager := w.conn.Object(busName, dbus.ObjectPath(managerPath))

	var sessionPath dbus.ObjectPath
	if err := manager.Call(getSessionByPID, 0, w.pid).Store(&sessionPath); err != nil {
		return "", fmt.Errorf("logind: GetSessionByPID: %w", err)
	}

	session := w.conn.Object(busName, sessionPath)
	var idVariant dbus.Variant
	if err := session.Call(propertiesGet, 0, sessionIface, "Id").Store(&idVariant); err != nil {
		return "", fmt.Errorf("logind: read session Id: %w", err)
	}

	id, ok := idVariant.Value().(string)
	if !ok {
		return "", fmt.Errorf("logind: session Id property was not a string")
	}
	return sessionwatch.SessionID(id), nil
}
