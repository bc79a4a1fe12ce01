package config

// DefaultConfigYAML is the default configuration template
const DefaultConfigYAML = `heartbeat_interval: 500ms

rover:
  bind: "0.0.0.0"
  ports:
    arm: 5201
    drive: 5202
    gimbal: 5203
    shared: 5204
    secondary: 5205
  controllers:
    timeout: 300ms
    keep_alive: 100ms
    arm:
      port: 5301
      id: 2
    drive:          # drive and gimbal share one controller board
      port: 5302
      id: 3
  # gps_listen: "127.0.0.1:5600"   # UDP fix lines from the GPS reader
  reopen_initial: 500ms
  reopen_max: 10s
  secondary:
    # rover: "10.0.0.2:5205"       # leave empty to discover the rover by broadcast
    console: "10.0.0.10"           # where secondary cameras stream to

console:
  mode: "broker"                   # broker owns the rover channel; peer joins a broker
  rover: "10.0.0.2"
  broker_listen: "0.0.0.0:5100"
  # broker_address: "10.0.0.10:5100"   # peers only; leave empty to discover the broker
  peer_rate: 200
  peer_burst: 400
  gps_history: 500
  gps_stale_after: 10s
  driver:
    enabled: false

cameras:
  - id: 1
    name: "Mast"
    device: "/dev/video0"
    port: 5401
  - id: 2
    name: "Arm"
    device: "/dev/video1"
    port: 5402
  - id: 3
    name: "Belly"
    device: "/dev/video0"
    port: 5403
    secondary: true

audio:
  enabled: true
  device: "hw:1"
  port: 5499

streamer:
  # path: "/usr/local/bin/roverlink"
  launch: ["gst-launch-1.0", "-q"]
  control_timeout: 1s
  stop_grace: 3s
  # forward: ["10.0.0.20:6000"]

discovery:
  port: 45454
  broadcast: "255.255.255.255"
  interval: 500ms

api:
  listen: "127.0.0.1:8080"
  cors_origins:
    - "http://localhost:3000"
  # set by: roverlink operatorkey generate
  operator_key:
    hash: ""
    created_at: ""

storage:
  path: "roverlink.db"

logging:
  level: "info"
  format: "text"
  # file: "/var/log/roverlink/roverlink.log"
  # max_size_mb: 50
  # max_backups: 5
  # max_age_days: 14
`
