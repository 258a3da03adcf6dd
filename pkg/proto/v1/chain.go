package protov1

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnknownChain    = errors.New("unknown chain")
	ErrInvalidChainKey = errors.New("invalid chain key")
)

// NetworkInfo describes one protocol/network pair served by the stream and
// webhook APIs.
type NetworkInfo struct {
	ChainID     uint64 `json:"chainId" yaml:"chain_id"`
	Name        string `json:"name" yaml:"name"`
	Protocol    string `json:"protocol" yaml:"protocol"`
	Network     string `json:"network" yaml:"network"`
	NativeToken string `json:"nativeToken" yaml:"native_token"`
	Decimals    int    `json:"decimals" yaml:"decimals"`
}

// Key returns the chain key for this network.
func (n NetworkInfo) Key() ChainKey {
	return NewChainKey(n.Protocol, n.Network)
}

var chains = map[uint64]NetworkInfo{
	1:        {ChainID: 1, Name: "Ethereum", Protocol: "ethereum", Network: "mainnet", NativeToken: "ETH", Decimals: 18},
	137:      {ChainID: 137, Name: "Polygon", Protocol: "polygon", Network: "mainnet", NativeToken: "MATIC", Decimals: 18},
	42161:    {ChainID: 42161, Name: "Arbitrum", Protocol: "arbitrum", Network: "mainnet", NativeToken: "ETH", Decimals: 18},
	8453:     {ChainID: 8453, Name: "Base", Protocol: "base", Network: "mainnet", NativeToken: "ETH", Decimals: 18},
	10:       {ChainID: 10, Name: "Optimism", Protocol: "optimism", Network: "mainnet", NativeToken: "ETH", Decimals: 18},
	8217:     {ChainID: 8217, Name: "Kaia", Protocol: "kaia", Network: "mainnet", NativeToken: "KAIA", Decimals: 18},
	11155111: {ChainID: 11155111, Name: "Ethereum Sepolia", Protocol: "ethereum", Network: "sepolia", NativeToken: "ETH", Decimals: 18},
	80002:    {ChainID: 80002, Name: "Polygon Amoy", Protocol: "polygon", Network: "amoy", NativeToken: "MATIC", Decimals: 18},
	421614:   {ChainID: 421614, Name: "Arbitrum Sepolia", Protocol: "arbitrum", Network: "sepolia", NativeToken: "ETH", Decimals: 18},
	84532:    {ChainID: 84532, Name: "Base Sepolia", Protocol: "base", Network: "sepolia", NativeToken: "ETH", Decimals: 18},
	11155420: {ChainID: 11155420, Name: "Optimism Sepolia", Protocol: "optimism", Network: "sepolia", NativeToken: "ETH", Decimals: 18},
	1001:     {ChainID: 1001, Name: "Kaia Testnet", Protocol: "kaia", Network: "testnet", NativeToken: "KAIA", Decimals: 18},
}

// ParseChainID accepts a 0x-prefixed hex id ("0xaa36a7") or a decimal one ("11155111").
func ParseChainID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return 0, fmt.Errorf("parse hex chain id %q: empty", s)
		}
		// hexutil rejects leading zeros, wallets do not.
		digits := strings.TrimLeft(s[2:], "0")
		if digits == "" {
			digits = "0"
		}
		id, err := hexutil.DecodeUint64("0x" + digits)
		if err != nil {
			return 0, fmt.Errorf("parse hex chain id %q: %w", s, err)
		}
		return id, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chain id %q: %w", s, err)
	}
	return id, nil
}

// NetworkByChainID looks up a supported chain.
func NetworkByChainID(id uint64) (NetworkInfo, error) {
	info, ok := chains[id]
	if !ok {
		return NetworkInfo{}, fmt.Errorf("%w: chain id %d", ErrUnknownChain, id)
	}
	return info, nil
}

// NetworkByKey finds the chain registered for protocol/network.
func NetworkByKey(key ChainKey) (NetworkInfo, error) {
	for _, info := range chains {
		if info.Key() == key {
			return info, nil
		}
	}
	return NetworkInfo{}, fmt.Errorf("%w: %s", ErrUnknownChain, key)
}

// Networks returns all supported chains ordered by chain id.
func Networks() []NetworkInfo {
	out := make([]NetworkInfo, 0, len(chains))
	for _, info := range chains {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ChainKey identifies per-chain subscription state as "protocol/network".
type ChainKey string

func NewChainKey(protocol, network string) ChainKey {
	return ChainKey(strings.ToLower(protocol) + "/" + strings.ToLower(network))
}

// ParseChainKey validates a "protocol/network" string.
func ParseChainKey(s string) (ChainKey, error) {
	protocol, network, ok := strings.Cut(s, "/")
	if !ok || protocol == "" || network == "" || strings.Contains(network, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidChainKey, s)
	}
	return NewChainKey(protocol, network), nil
}

func (k ChainKey) Protocol() string {
	p, _, _ := strings.Cut(string(k), "/")
	return p
}

func (k ChainKey) Network() string {
	_, n, _ := strings.Cut(string(k), "/")
	return n
}

func (k ChainKey) String() string {
	return string(k)
}
