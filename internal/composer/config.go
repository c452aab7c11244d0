package composer

import "time"

const (
	// TypeURLMsgSend 为授权撤销时指定的消息类型。
	TypeURLMsgSend = "/cosmos.bank.v1beta1.MsgSend"
	// TypeURLExecuteContract 为 CosmWasm 合约调用消息类型。
	TypeURLExecuteContract = "/cosmwasm.wasm.v1.MsgExecuteContract"

	// MicroPerDisplay 为 1 NTRN 对应的 untrn 数量。
	MicroPerDisplay = 1_000_000

	MemoRegister    = "Register for Telegram Payments"
	MemoUpdateLimit = "Update spending limit"
	MemoRevoke      = "Revoke authorization"
)

// Config 控制消息组装与广播参数。
type Config struct {
	ChainID         string        `yaml:"chainId" envconfig:"CHAIN_ID"`
	AddressPrefix   string        `yaml:"addressPrefix" envconfig:"ADDRESS_PREFIX"`
	ContractAddress string        `yaml:"contractAddress" envconfig:"CONTRACT_ADDRESS"`
	Denom           string        `yaml:"denom" envconfig:"DENOM"`
	GasPrice        string        `yaml:"gasPrice" envconfig:"GAS_PRICE"`
	GasAdjustment   float64       `yaml:"gasAdjustment" envconfig:"GAS_ADJUSTMENT"`
	GrantTTL        time.Duration `yaml:"grantTTL" envconfig:"GRANT_TTL"`
}

// DefaultConfig 返回 Neutron 主网的默认参数。
func DefaultConfig() Config {
	return Config{
		ChainID:         "neutron-1",
		AddressPrefix:   "neutron",
		ContractAddress: "neutron13nj4jrt88cs594fcga4q60qfzk4akwm7k3wph4",
		Denom:           "untrn",
		GasPrice:        "0.0053untrn",
		GasAdjustment:   1.3,
		GrantTTL:        365 * 24 * time.Hour,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.ChainID == "" {
		c.ChainID = def.ChainID
	}
	if c.AddressPrefix == "" {
		c.AddressPrefix = def.AddressPrefix
	}
	if c.ContractAddress == "" {
		c.ContractAddress = def.ContractAddress
	}
	if c.Denom == "" {
		c.Denom = def.Denom
	}
	if c.GasPrice == "" {
		c.GasPrice = def.GasPrice
	}
	if c.GasAdjustment <= 0 {
		c.GasAdjustment = def.GasAdjustment
	}
	if c.GrantTTL <= 0 {
		c.GrantTTL = def.GrantTTL
	}
	return c
}
