package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal hand-rolled ABIs for the contracts the engine talks to.
// Only the fragments the engine calls are declared.

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const settlementABIJSON = `[
  {"type":"function","name":"settleTrade","stateMutability":"nonpayable","inputs":[
    {"name":"buyDigest","type":"bytes32"},
    {"name":"sellDigest","type":"bytes32"},
    {"name":"buyer","type":"address"},
    {"name":"seller","type":"address"},
    {"name":"propertyToken","type":"address"},
    {"name":"stablecoinToken","type":"address"},
    {"name":"propertyAmount","type":"uint256"},
    {"name":"stablecoinAmount","type":"uint256"},
    {"name":"buySignature","type":"bytes"},
    {"name":"sellSignature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"orderExecuted","stateMutability":"view","inputs":[{"name":"digest","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"depositFor","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"wallet","type":"address"}],"outputs":[]}
]`

const complianceABIJSON = `[
  {"type":"function","name":"canTransfer","stateMutability":"view","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getActiveModules","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"addModule","stateMutability":"nonpayable","inputs":[{"name":"module","type":"address"}],"outputs":[]},
  {"type":"function","name":"removeModule","stateMutability":"nonpayable","inputs":[{"name":"module","type":"address"}],"outputs":[]},
  {"type":"function","name":"activateModule","stateMutability":"nonpayable","inputs":[{"name":"module","type":"address"}],"outputs":[]},
  {"type":"function","name":"deactivateModule","stateMutability":"nonpayable","inputs":[{"name":"module","type":"address"}],"outputs":[]},
  {"type":"function","name":"bindTokenToModule","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"module","type":"address"}],"outputs":[]}
]`

const moduleABIJSON = `[
  {"type":"function","name":"canComplianceBind","stateMutability":"view","inputs":[{"name":"compliance","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	erc20ABI      = mustABI(erc20ABIJSON)
	settlementABI = mustABI(settlementABIJSON)
	complianceABI = mustABI(complianceABIJSON)
	moduleABI     = mustABI(moduleABIJSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
