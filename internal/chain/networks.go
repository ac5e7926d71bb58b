package chain

import (
	"fmt"
	"math/big"
	"os"

	"gopkg.in/yaml.v3"
)

// NativeCurrency describes a chain's gas token.
type NativeCurrency struct {
	Name     string `yaml:"name" json:"name"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Network holds the parameters a wallet needs to add and use a chain.
type Network struct {
	ChainID        int64          `yaml:"chain_id" json:"chainId"`
	Name           string         `yaml:"name" json:"name"`
	RPCURLs        []string       `yaml:"rpc_urls" json:"rpcUrls"`
	ExplorerURLs   []string       `yaml:"explorer_urls" json:"blockExplorerUrls"`
	NativeCurrency NativeCurrency `yaml:"native_currency" json:"nativeCurrency"`
}

// ID returns the chain id as a big integer.
func (n Network) ID() *big.Int { return big.NewInt(n.ChainID) }

// Validate checks that a network can be added to a wallet.
func (n Network) Validate() error {
	if n.ChainID <= 0 {
		return fmt.Errorf("chain: network %q: chain id must be positive", n.Name)
	}
	if len(n.RPCURLs) == 0 {
		return fmt.Errorf("chain: network %q: at least one RPC URL required", n.Name)
	}
	return nil
}

// BSC is BNB Smart Chain mainnet.
var BSC = Network{
	ChainID:      56,
	Name:         "BNB Smart Chain",
	RPCURLs:      []string{"https://bsc-dataseed.binance.org"},
	ExplorerURLs: []string{"https://bscscan.com"},
	NativeCurrency: NativeCurrency{
		Name:     "BNB",
		Symbol:   "BNB",
		Decimals: 18,
	},
}

type networksFile struct {
	Networks []Network `yaml:"networks"`
}

// LoadNetworks reads additional networks from a YAML file:
//
//	networks:
//	  - chain_id: 97
//	    name: BSC Testnet
//	    rpc_urls: [https://data-seed-prebsc-1-s1.binance.org:8545]
func LoadNetworks(path string) ([]Network, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain: read networks file: %w", err)
	}
	return ParseNetworks(raw)
}

// ParseNetworks decodes and validates a networks document.
func ParseNetworks(raw []byte) ([]Network, error) {
	var f networksFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("chain: parse networks: %w", err)
	}
	for _, n := range f.Networks {
		if err := n.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Networks, nil
}

// Registry resolves networks by chain id.
type Registry map[int64]Network

// NewRegistry indexes networks, later entries overriding earlier ones.
func NewRegistry(networks ...Network) Registry {
	r := make(Registry, len(networks))
	for _, n := range networks {
		r[n.ChainID] = n
	}
	return r
}

// Resolve returns the network for chainID. An unknown id with rpcURLs
// becomes a bare network so configuration alone can point at a new chain.
func (r Registry) Resolve(chainID int64, rpcURLs []string) (Network, error) {
	n, ok := r[chainID]
	if !ok {
		n = Network{ChainID: chainID, Name: fmt.Sprintf("chain %d", chainID)}
	}
	if len(rpcURLs) > 0 {
		n.RPCURLs = rpcURLs
	}
	return n, n.Validate()
}
