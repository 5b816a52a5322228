// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command owtherm periodically samples every DS18B20 on a bit-banged
// 1-wire bus, logs the readings and optionally publishes them to NATS.
//
// The driver treats a dead bus as a per-call outcome; the policy of what
// to do about it lives here: after a few consecutive empty samples the bus
// is reinitialized and the sensors rediscovered.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	nats "github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/hwbits/onewire/ds18b20"
	"github.com/hwbits/onewire/owbus"
)

type config struct {
	Pin        string `yaml:"pin"`
	IntervalMs int    `yaml:"interval_ms"`
	// ReinitAfter is how many consecutive empty samples trigger a bus
	// reinitialization and rediscovery.
	ReinitAfter int `yaml:"reinit_after"`
	NATS        struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Pin: "GPIO17", IntervalMs: 2000, ReinitAfter: 3}
	cfg.NATS.Subject = "owtherm.readings"
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// reading is the wire format published per sensor.
type reading struct {
	Addr    string  `json:"addr"`
	Celsius float64 `json:"celsius,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func mainImpl() error {
	confPath := flag.String("config", "", "path to the YAML configuration file")
	pin := flag.String("pin", "", "bus data pin, overrides the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*confPath)
	if err != nil {
		return err
	}
	if *pin != "" {
		cfg.Pin = *pin
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	p := gpioreg.ByName(cfg.Pin)
	if p == nil {
		return fmt.Errorf("no such pin %q", cfg.Pin)
	}
	bus, err := owbus.New(p, nil)
	if err != nil {
		return err
	}
	defer bus.Halt()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		if nc, err = nats.Connect(cfg.NATS.URL); err != nil {
			return err
		}
		defer nc.Close()
	}

	mgr := ds18b20.NewManager(bus, nil)
	addrs, err := mgr.Discover()
	if err != nil {
		log.Printf("discovery: %v", err)
	}
	if len(addrs) == 0 {
		log.Print("no devices found; check the wiring and the pull-up resistor")
	}
	for i, a := range addrs {
		log.Printf("  [%d] %#016x", i, uint64(a))
	}

	faults := 0
	for range time.Tick(time.Duration(cfg.IntervalMs) * time.Millisecond) {
		readings, err := mgr.SampleAll()
		if err != nil {
			log.Printf("sample: %v", err)
		}
		if len(readings) == 0 {
			faults++
			if faults >= cfg.ReinitAfter {
				log.Print("bus not responding, reinitializing")
				if err := bus.Reinitialize(); err != nil {
					return err
				}
				if _, err := mgr.Discover(); err != nil {
					log.Printf("discovery: %v", err)
				}
				faults = 0
			}
			continue
		}
		faults = 0
		out := make([]reading, 0, len(readings))
		for _, r := range readings {
			m := reading{Addr: fmt.Sprintf("%#016x", uint64(r.Addr))}
			if r.Err != nil {
				m.Error = r.Err.Error()
				log.Printf("%s: %v", m.Addr, r.Err)
			} else {
				m.Celsius = r.Temp.Celsius()
				log.Printf("%s: %7.4f°C (%d bit)", m.Addr, m.Celsius, r.Resolution)
			}
			out = append(out, m)
		}
		if nc != nil {
			buf, err := json.Marshal(out)
			if err != nil {
				return err
			}
			if err := nc.Publish(cfg.NATS.Subject, buf); err != nil {
				log.Printf("publish: %v", err)
			}
		}
	}
	return nil
}

func main() {
	if err := mainImpl(); err != nil {
		log.Fatal(err)
	}
}
