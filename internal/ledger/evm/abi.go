package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// erc20JSON is the subset of ERC-20 the engine calls.
const erc20JSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"event","name":"Transfer","anonymous":false,
  "inputs":[{"indexed":true,"name":"from","type":"address"},
            {"indexed":true,"name":"to","type":"address"},
            {"indexed":false,"name":"value","type":"uint256"}]}
]`

// routerJSON is the treasury auction router. seize pulls payment from the
// bidder (prior allowance), splits it, and reverts with "stale price" when
// the stored price differs from expectedPrice.
const routerJSON = `[
 {"type":"function","name":"createAuction","stateMutability":"nonpayable",
  "inputs":[{"name":"assetId","type":"bytes32"},{"name":"owner","type":"address"},
            {"name":"startPrice","type":"uint256"},{"name":"treasury","type":"address"},
            {"name":"taunt","type":"string"}],
  "outputs":[]},
 {"type":"function","name":"seize","stateMutability":"nonpayable",
  "inputs":[{"name":"assetId","type":"bytes32"},{"name":"bidder","type":"address"},
            {"name":"expectedPrice","type":"uint256"},{"name":"payment","type":"uint256"},
            {"name":"treasuryBps","type":"uint16"},{"name":"taunt","type":"string"}],
  "outputs":[]},
 {"type":"function","name":"auctions","stateMutability":"view",
  "inputs":[{"name":"assetId","type":"bytes32"}],
  "outputs":[{"name":"owner","type":"address"},{"name":"price","type":"uint256"},
             {"name":"startPrice","type":"uint256"},{"name":"treasury","type":"address"},
             {"name":"taunt","type":"string"},{"name":"createdAt","type":"uint64"},
             {"name":"lastSeizedAt","type":"uint64"}]},
 {"type":"event","name":"Seized","anonymous":false,
  "inputs":[{"indexed":true,"name":"assetId","type":"bytes32"},
            {"indexed":true,"name":"bidder","type":"address"},
            {"indexed":false,"name":"previousOwner","type":"address"},
            {"indexed":false,"name":"price","type":"uint256"},
            {"indexed":false,"name":"treasuryShare","type":"uint256"},
            {"indexed":false,"name":"ownerShare","type":"uint256"}]}
]`

var (
	erc20ABI  = mustABI(erc20JSON)
	routerABI = mustABI(routerJSON)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("evm: invalid embedded ABI: " + err.Error())
	}
	return a
}
