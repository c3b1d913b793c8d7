package state

import "debtledger/crypto"

var (
	lendingMetaKey       = []byte("lending/meta")
	lendingAccountIndex  = []byte("lending/accounts")
	lendingAccountPrefix = []byte("lending/account/")
	vaultParamsKey       = []byte("vault/params")
	vaultSharesPrefix    = []byte("vault/shares/")
	tokenOwnerKey        = []byte("debttoken/owner")
	tokenSupplyKey       = []byte("debttoken/supply")
	tokenBalancePrefix   = []byte("debttoken/balance/")
	tokenAllowancePrefix = []byte("debttoken/allowance/")
	tokenIssuerPrefix    = []byte("debttoken/issuer/")
)

func addressKey(prefix []byte, addr crypto.Address) []byte {
	raw := addr.Bytes()
	buf := make([]byte, len(prefix)+len(raw))
	copy(buf, prefix)
	copy(buf[len(prefix):], raw)
	return buf
}

func lendingAccountKey(addr crypto.Address) []byte {
	return addressKey(lendingAccountPrefix, addr)
}

func vaultSharesKey(addr crypto.Address) []byte {
	return addressKey(vaultSharesPrefix, addr)
}

func tokenBalanceKey(addr crypto.Address) []byte {
	return addressKey(tokenBalancePrefix, addr)
}

func tokenIssuerKey(addr crypto.Address) []byte {
	return addressKey(tokenIssuerPrefix, addr)
}

func tokenAllowanceKey(owner, spender crypto.Address) []byte {
	key := addressKey(tokenAllowancePrefix, owner)
	key = append(key, '/')
	return append(key, spender.Bytes()...)
}
