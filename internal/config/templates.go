package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "zone":
		return zoneTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `db_path = "zonectl.db"
timer_tick = "1s"

[listen]
network = "tcp"
address = "127.0.0.1:7030"

[admin]
addr = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]
token = ""

[runtime]
call_timeout = "30s"
sync_timeout = "5s"
min_alarm_period = "1m"
durable_keys = ["counter", "vault"]
defaults_file = ""

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "5s"
max_dial_attempts = 5

[session.tls]
enabled = false
cert_file = "hub.crt"
key_file = "hub.key"
ca_file = "ca.crt"
mutual = false

[tracing]
enabled = false
endpoint = "http://127.0.0.1:4318"
`

const zoneTemplate = `[listen]
network = "tcp"
address = "127.0.0.1:7030"

[zone]
kind = "popup"
tab = 0

[runtime]
call_timeout = "30s"
sync_timeout = "5s"

[session]
connect_timeout = "5s"
max_dial_attempts = 5

[session.tls]
enabled = false
ca_file = "ca.crt"
server_name = ""
mutual = false
`
