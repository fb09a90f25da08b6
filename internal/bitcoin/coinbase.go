package bitcoin

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolcore/pkg/errors"
)

const (
	// CoinbaseReward is the fixed output value of the synthetic coinbase.
	CoinbaseReward = btcutil.Amount(0x05f5e10000)

	// coinb1Len is the hex length of version, input count, previous outpoint
	// and the scriptSig length byte.
	coinb1Len = (4 + 1 + chainhash.HashSize + 4 + 1) * 2

	// timeMarkerPush is the first scriptSig byte; the 4-byte time follows it.
	// Miners and the notify split treat the scriptSig as opaque, so the
	// push length is not checked against the payload.
	timeMarkerPush = 0x03
)

// BuildCoinbase serializes the synthetic coinbase transaction for ts. Its
// only varying content is the big-endian unix time embedded in the scriptSig.
func BuildCoinbase(ts time.Time) (string, error) {
	tx, err := coinbaseTx(ts)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "build_coinbase", "serialize coinbase")
	}
	return HexEncode(buf.Bytes()), nil
}

func coinbaseTx(ts time.Time) (*wire.MsgTx, error) {
	scriptSig := make([]byte, 5)
	scriptSig[0] = timeMarkerPush
	binary.BigEndian.PutUint32(scriptSig[1:], uint32(ts.Unix()))

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(make([]byte, 20)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_coinbase", "build output script")
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  scriptSig,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(CoinbaseReward), pkScript))
	tx.LockTime = 0
	return tx, nil
}

// SplitCoinbase cuts a serialized coinbase around its scriptSig: coinb1 runs
// through the scriptSig length byte, coinb2 starts right after the scriptSig.
func SplitCoinbase(coinbaseHex string) (string, string, error) {
	if len(coinbaseHex) < coinb1Len {
		return "", "", errors.Decode(nil, "split_coinbase", "coinbase too short").
			WithContext("length", len(coinbaseHex))
	}

	lenByte, err := HexDecode(coinbaseHex[coinb1Len-2 : coinb1Len])
	if err != nil {
		return "", "", err
	}
	scriptEnd := coinb1Len + int(lenByte[0])*2
	if scriptEnd > len(coinbaseHex) {
		return "", "", errors.Decode(nil, "split_coinbase", "script length exceeds coinbase").
			WithContext("script_len", lenByte[0])
	}
	return coinbaseHex[:coinb1Len], coinbaseHex[scriptEnd:], nil
}
