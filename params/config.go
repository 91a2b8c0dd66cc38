package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Node struct {
	ListenAddr string // REST/WebSocket listen address
	DBPath     string // pebble database directory
	LogFile    string // structured log output (in addition to stdout)
}

type Compliance struct {
	// Policy selects the transfer gate: "whitelist", "identity" or "both".
	Policy string
	// Admin may mutate the whitelist table.
	Admin string
	// BlockedCountries are ISO-3166 numeric codes rejected by the identity policy.
	BlockedCountries []uint16
}

type Identity struct {
	// Owner may add and remove registry agents.
	Owner string
}

type Ledger struct {
	// Admin may mint tokens on the in-process asset ledger.
	Admin string
	// Custodian is the address escrowed value is held under.
	Custodian string
}

type Keeper struct {
	Enabled  bool
	Interval time.Duration
	// TakerKey is the hex private key the keeper settles with.
	TakerKey string
}

type Config struct {
	Node       Node
	Compliance Compliance
	Identity   Identity
	Ledger     Ledger
	Keeper     Keeper
}

func Default() Config {
	return Config{
		Node: Node{
			ListenAddr: ":8080",
			DBPath:     "data/veriswap",
			LogFile:    "data/node.log",
		},
		Compliance: Compliance{
			Policy: "whitelist",
		},
		Keeper: Keeper{
			Enabled:  false,
			Interval: 2 * time.Second,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("COMPLIANCE_POLICY"); v != "" {
		cfg.Compliance.Policy = v
	}
	if v := os.Getenv("COMPLIANCE_ADMIN"); v != "" {
		cfg.Compliance.Admin = v
	}
	if v := os.Getenv("BLOCKED_COUNTRIES"); v != "" {
		// Example: "408,850"
		for _, part := range strings.Split(v, ",") {
			if code, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16); err == nil {
				cfg.Compliance.BlockedCountries = append(cfg.Compliance.BlockedCountries, uint16(code))
			}
		}
	}

	if v := os.Getenv("IDENTITY_OWNER"); v != "" {
		cfg.Identity.Owner = v
	}
	if v := os.Getenv("LEDGER_ADMIN"); v != "" {
		cfg.Ledger.Admin = v
	}
	if v := os.Getenv("CUSTODIAN_ADDR"); v != "" {
		cfg.Ledger.Custodian = v
	}

	if v := os.Getenv("KEEPER_ENABLED"); v != "" {
		cfg.Keeper.Enabled = v == "true"
	}
	if v := os.Getenv("KEEPER_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Keeper.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("KEEPER_PRIVATE_KEY"); v != "" {
		cfg.Keeper.TakerKey = v
	}

	return cfg
}
