package postback

// Built-in partner presets. Each takes the partner's shared secret.

// NotikConfig: sha256 over every parameter, acknowledged with "1".
func NotikConfig(secret string) Config {
	return Config{
		Name: "notik",
		Fields: Fields{
			UserID:        "user_id",
			TransactionID: "txn_id",
			Amount:        "amount",
			Payout:        "payout",
			OfferID:       "offer_id",
			OfferName:     "offer_name",
			Country:       "country",
			IP:            "ip",
			OccurredAt:    "ts",
			Status:        "status",
		},
		CreditStatus:   []string{"1"},
		ReversalStatus: []string{"2"},
		Signature:      Signature{Field: "hash", Secret: secret, Algorithm: AlgorithmSHA256},
		AckBody:        "1",
	}
}

// WannadsConfig: md5 over the parameters that move coins or revenue,
// acknowledged "OK". Wannads has no occurrence time field.
func WannadsConfig(secret string) Config {
	return Config{
		Name: "wannads",
		Fields: Fields{
			UserID:        "subId",
			TransactionID: "transId",
			Amount:        "reward",
			Payout:        "payout",
			OfferID:       "offerId",
			OfferName:     "reward_name",
			Country:       "country",
			IP:            "userIp",
			Status:        "status",
		},
		CreditStatus:   []string{"1"},
		ReversalStatus: []string{"2"},
		Signature: Signature{
			Field:     "signature",
			Secret:    secret,
			Algorithm: AlgorithmMD5,
			Fields:    []string{"subId", "transId", "reward", "status", "payout", "offerId"},
		},
		AckBody: "OK",
	}
}

// PrimewallConfig: sha256 over every parameter, acknowledged with JSON.
func PrimewallConfig(secret string) Config {
	return Config{
		Name: "primewall",
		Fields: Fields{
			UserID:        "userId",
			TransactionID: "transId",
			Amount:        "reward",
			Payout:        "revenue",
			OfferID:       "offerId",
			OfferName:     "offerName",
			Country:       "country",
			IP:            "ip",
			OccurredAt:    "time",
			Status:        "status",
			UserAvatar:    "avatar",
		},
		CreditStatus:   []string{"1", "credit"},
		ReversalStatus: []string{"2", "chargeback"},
		Signature:      Signature{Field: "hash", Secret: secret, Algorithm: AlgorithmSHA256},
		AckBody:        `{"status":1}`,
		AckContentType: "application/json",
	}
}

// Builtins returns the presets that have a secret configured.
func Builtins(secrets map[string]string) ([]*Mapping, error) {
	presets := map[string]func(string) Config{
		"notik":     NotikConfig,
		"wannads":   WannadsConfig,
		"primewall": PrimewallConfig,
	}
	var out []*Mapping
	for _, name := range []string{"notik", "wannads", "primewall"} {
		secret := secrets[name]
		if secret == "" {
			continue
		}
		m, err := New(presets[name](secret))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
