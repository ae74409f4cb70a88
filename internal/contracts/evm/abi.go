package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Method selectors.
var (
	selectorTransfer        = selector("transfer(address,uint256)")
	selectorTransferFrom    = selector("transferFrom(address,address,uint256)")
	selectorApprove         = selector("approve(address,uint256)")
	selectorMint            = selector("mint(address,uint256)")
	selectorBalanceOf       = selector("balanceOf(address)")
	selectorDecimals        = selector("decimals()")
	selectorLatestRoundData = selector("latestRoundData()")
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// encodeCall builds calldata from a selector and 32-byte words.
func encodeCall(sel []byte, words ...[]byte) []byte {
	data := make([]byte, 0, 4+32*len(words))
	data = append(data, sel...)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

func addressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func amountWord(amount uint64) []byte {
	w := uint256.NewInt(amount).Bytes32()
	return w[:]
}

// decodeUint64Word reads the word at index and rejects values above 64 bits.
func decodeUint64Word(data []byte, index int) (uint64, error) {
	start := index * 32
	if len(data) < start+32 {
		return 0, fmt.Errorf("%w: %d bytes, want at least %d", ErrInvalidResponse, len(data), start+32)
	}
	v := new(uint256.Int).SetBytes32(data[start : start+32])
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: value overflows uint64", ErrInvalidResponse)
	}
	return v.Uint64(), nil
}

// decodeInt256Word reads a two's complement int256 word.
func decodeInt256Word(data []byte, index int) (*big.Int, error) {
	start := index * 32
	if len(data) < start+32 {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrInvalidResponse, len(data), start+32)
	}
	v := new(uint256.Int).SetBytes32(data[start : start+32])
	return v.ToBig().Sub(v.ToBig(), signedOffset(v)), nil
}

// signedOffset returns 2^256 for negative words and 0 otherwise.
func signedOffset(v *uint256.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int).Lsh(big.NewInt(1), 256)
	}
	return new(big.Int)
}
