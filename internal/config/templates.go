package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "params":
		return paramsTemplate, nil
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

const clientTemplate = `label = "render"
user = "szg"
computer = "node-a"
parameter_file = ""
standalone = false

[server]
name = "*"
address = ""
port = 8888

[discovery]
broadcast = "255.255.255.255"
discovery_port = 4620
response_port = 4621
timeout = "2s"

[ports]
first_port = 4700
block_size = 200
max_bind_attempts = 5

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "15s"
call_timeout = "20s"
dial_attempts = 3
security_mode = "development"

[session.tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""

[[networks]]
channel = "default"
names = ["internet"]
addresses = ["127.0.0.1"]

[[networks]]
channel = "graphics"
names = ["render-net"]
addresses = ["127.0.0.1"]

[agent]
addr = ":9420"
token = ""
`

const paramsTemplate = `[global]
SZG_SCRIPT = "cube"

[hosts.node-a.SZG_RENDER]
stereo = false
frame_rate = 60

[hosts.node-a.SZG_DISPLAY]
screen = [0, 0, 1920, 1080]
`
