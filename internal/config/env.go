package config

import (
	"bufio"
	"os"
	"strings"
)

// LoadEnv reads a .env file and sets environment variables.
// Missing files are ignored to keep startup flexible.
func LoadEnv(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
				val = val[1 : len(val)-1]
			}
		}
		if key != "" {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
			_ = os.Setenv(key, val)
		}
	}

	return scanner.Err()
}

// applyEnvCredentials fills credential fields left empty in the yaml file
// from the environment. Values already present in the file win so that a
// config checked into a secured host stays authoritative.
func applyEnvCredentials(cfg *Config) {
	setIfEmpty(&cfg.Exchange.Hyperliquid.WalletAddress, "HL_WALLET_ADDRESS")
	setIfEmpty(&cfg.Exchange.Hyperliquid.PrivateKey, "HL_PRIVATE_KEY")
	setIfEmpty(&cfg.Exchange.Hyperliquid.VaultAddress, "HL_VAULT_ADDRESS")
	setIfEmpty(&cfg.Exchange.Grvt.APIKey, "GRVT_API_KEY")
	setIfEmpty(&cfg.Exchange.Grvt.SubAccountID, "GRVT_SUB_ACCOUNT_ID")
	setIfEmpty(&cfg.Alerts.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setIfEmpty(&cfg.Alerts.Telegram.ChatID, "TELEGRAM_CHAT_ID")
	setIfEmpty(&cfg.Alerts.Lark.Webhook, "LARK_WEBHOOK")
}

func setIfEmpty(dst *string, key string) {
	if strings.TrimSpace(*dst) != "" {
		return
	}
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}
