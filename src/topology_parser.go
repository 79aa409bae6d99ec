package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML topology configuration structures
type TopologyConfig struct {
	Topology TopologyInfo `yaml:"topology"`
	Timers   TimersConfig `yaml:"timers"`
	Nodes    []NodeConfig `yaml:"nodes"`
	Links    []LinkConfig `yaml:"links"`

	// baseDir resolves relative route_table and arp_cache paths.
	baseDir string
}

type TopologyInfo struct {
	Name string `yaml:"name"`
}

// TimersConfig overrides the router defaults; zero values keep them.
type TimersConfig struct {
	RIPUpdateInterval time.Duration `yaml:"rip_update_interval"`
	RIPRouteTimeout   time.Duration `yaml:"rip_route_timeout"`
	RIPAgingInterval  time.Duration `yaml:"rip_aging_interval"`
	ARPRetries        int           `yaml:"arp_retries"`
	ARPRetryInterval  time.Duration `yaml:"arp_retry_interval"`
	ARPCacheTimeout   time.Duration `yaml:"arp_cache_timeout"`
}

type NodeConfig struct {
	Name       string            `yaml:"name"`
	RIP        bool              `yaml:"rip"`
	RouteTable string            `yaml:"route_table"` // Static route file
	ArpCache   string            `yaml:"arp_cache"`   // ARP seed file
	Interfaces []InterfaceConfig `yaml:"interfaces"`
}

type InterfaceConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Mask string `yaml:"mask"` // Prefix length or dotted quad
	MAC  string `yaml:"mac"`  // Generated when empty
}

type LinkConfig struct {
	FromNode      string `yaml:"from_node"`
	FromInterface string `yaml:"from_interface"`
	ToNode        string `yaml:"to_node"`
	ToInterface   string `yaml:"to_interface"`
}

// LoadTopologyConfig reads and validates a topology file.
func LoadTopologyConfig(filename string) (*TopologyConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading topology file %s", filename)
	}
	config, err := ParseTopologyConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "topology file %s", filename)
	}
	config.baseDir = filepath.Dir(filename)
	return config, nil
}

// ParseTopologyConfig parses and validates a YAML topology.
func ParseTopologyConfig(data []byte) (*TopologyConfig, error) {
	var config TopologyConfig
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, errors.Wrap(err, "parsing YAML topology")
	}
	if err := validateTopologyConfig(&config); err != nil {
		return nil, errors.Wrap(err, "topology validation failed")
	}
	return &config, nil
}

// validateTopologyConfig performs basic validation on the topology configuration
func validateTopologyConfig(config *TopologyConfig) error {
	if config.Topology.Name == "" {
		return errors.New("topology name is required")
	}
	if len(config.Nodes) == 0 {
		return errors.New("at least one node is required")
	}
	if config.Timers.ARPRetries < 0 {
		return errors.New("arp_retries must not be negative")
	}

	nodeMap := make(map[string]bool)
	interfaceMap := make(map[string]bool) // node:interface format
	for _, node := range config.Nodes {
		if node.Name == "" {
			return errors.New("node name is required")
		}
		if nodeMap[node.Name] {
			return errors.Errorf("duplicate node name: %s", node.Name)
		}
		nodeMap[node.Name] = true

		if len(node.Interfaces) == 0 {
			return errors.Errorf("node %s has no interfaces", node.Name)
		}
		for _, intf := range node.Interfaces {
			if intf.Name == "" {
				return errors.Errorf("interface name is required for node %s", node.Name)
			}
			if len(intf.Name) > IF_NAME_SIZE {
				return errors.Errorf("interface name %s on node %s is longer than %d bytes", intf.Name, node.Name, IF_NAME_SIZE)
			}
			intfKey := fmt.Sprintf("%s:%s", node.Name, intf.Name)
			if interfaceMap[intfKey] {
				return errors.Errorf("duplicate interface name %s on node %s", intf.Name, node.Name)
			}
			interfaceMap[intfKey] = true

			if _, err := parseIPv4(intf.IP); err != nil {
				return errors.Wrapf(err, "interface %s on node %s", intf.Name, node.Name)
			}
			if _, err := parseMask(intf.Mask); err != nil {
				return errors.Wrapf(err, "interface %s on node %s", intf.Name, node.Name)
			}
		}
	}

	linked := make(map[string]bool)
	for i, link := range config.Links {
		if link.FromNode == "" || link.ToNode == "" {
			return errors.Errorf("link %d: from_node and to_node are required", i)
		}
		if link.FromInterface == "" || link.ToInterface == "" {
			return errors.Errorf("link %d: from_interface and to_interface are required", i)
		}
		for _, end := range []string{link.FromNode + ":" + link.FromInterface, link.ToNode + ":" + link.ToInterface} {
			if !interfaceMap[end] {
				return errors.Errorf("link %d: interface %s not found", i, end)
			}
			if linked[end] {
				return errors.Errorf("link %d: interface %s is already linked", i, end)
			}
			linked[end] = true
		}
	}
	return nil
}

// routerConfig returns the router configuration for node.
func (config *TopologyConfig) routerConfig(node NodeConfig) Config {
	return Config{
		RIPEnabled:        node.RIP,
		RIPUpdateInterval: config.Timers.RIPUpdateInterval,
		RIPRouteTimeout:   config.Timers.RIPRouteTimeout,
		RIPAgingInterval:  config.Timers.RIPAgingInterval,
		ARPRetries:        config.Timers.ARPRetries,
		ARPRetryInterval:  config.Timers.ARPRetryInterval,
		ARPCacheTimeout:   config.Timers.ARPCacheTimeout,
	}
}

// interfaces builds the interfaces of node.
func (node NodeConfig) interfaces() ([]*Interface, error) {
	out := make([]*Interface, 0, len(node.Interfaces))
	for _, ic := range node.Interfaces {
		ip, err := parseIPv4(ic.IP)
		if err != nil {
			return nil, err
		}
		mask, err := parseMask(ic.Mask)
		if err != nil {
			return nil, err
		}
		mac := generateUniqueMAC()
		if ic.MAC != "" {
			if mac, err = parseMAC(ic.MAC); err != nil {
				return nil, errors.Wrapf(err, "interface %s", ic.Name)
			}
		}
		intf, err := NewInterface(ic.Name, mac, ip, mask)
		if err != nil {
			return nil, err
		}
		out = append(out, intf)
	}
	return out, nil
}

// staticConfig loads the route table and ARP seed files of node.
func (config *TopologyConfig) staticConfig(node NodeConfig) ([]StaticRoute, []ArpSeed, error) {
	var routes []StaticRoute
	var seeds []ArpSeed
	var err error
	if node.RouteTable != "" {
		if routes, err = LoadRouteTableFile(config.resolve(node.RouteTable)); err != nil {
			return nil, nil, err
		}
	}
	if node.ArpCache != "" {
		if seeds, err = LoadArpCacheFile(config.resolve(node.ArpCache)); err != nil {
			return nil, nil, err
		}
	}
	return routes, seeds, nil
}

func (config *TopologyConfig) resolve(path string) string {
	if filepath.IsAbs(path) || config.baseDir == "" {
		return path
	}
	return filepath.Join(config.baseDir, path)
}
