package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowPrefix        = []byte("escrow/record/")
	escrowCustodyPrefix = []byte("escrow/custody/")
	balancePrefix       = []byte("balance/")
	escrowCountKey      = ethcrypto.Keccak256([]byte("escrow/count"))
)

func escrowKey(id uint64) []byte {
	return idKey(escrowPrefix, id)
}

func escrowCustodyKey(id uint64) []byte {
	return idKey(escrowCustodyPrefix, id)
}

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr common.Address) []byte {
	buf := make([]byte, len(balancePrefix)+common.AddressLength)
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr.Bytes())
	return ethcrypto.Keccak256(buf)
}
