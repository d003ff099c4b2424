package models

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxRecord is the payload a ledger block carries for one applied transaction.
type TxRecord struct {
	TxHash   common.Hash    `json:"tx_hash"`
	From     common.Address `json:"from"`
	Method   string         `json:"method"`
	Target   common.Hash    `json:"target"`
	Rating   uint32         `json:"rating,omitempty"`
	Reverted bool           `json:"reverted"`
	Reason   string         `json:"reason,omitempty"`
}

// Block is one entry of the development chain's hash-linked ledger.
type Block struct {
	Index      uint64      `json:"index"`
	Timestamp  int64       `json:"timestamp"`
	Data       []byte      `json:"data"`
	PrevHash   common.Hash `json:"prev_hash"`
	Hash       common.Hash `json:"hash"`
	Nonce      uint64      `json:"nonce"`
	Difficulty uint8       `json:"difficulty"` // leading zero bytes required
}

func NewBlock(index uint64, timestamp int64, data []byte, prevHash common.Hash, difficulty uint8) *Block {
	block := &Block{
		Index:      index,
		Timestamp:  timestamp,
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}

	block.Mine()
	return block
}

func (b *Block) Mine() {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()

		if bytes.HasPrefix(b.Hash.Bytes(), target) {
			return
		}

		nonce++
		if nonce%1000 == 0 {
			time.Sleep(time.Microsecond)
		}
	}
}

func (b *Block) calculateHash() common.Hash {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash.Bytes())
	binary.Write(buffer, binary.BigEndian, b.Nonce)

	return crypto.Keccak256Hash(buffer.Bytes())
}

func (b *Block) Validate() bool {
	calculated := b.calculateHash()
	if calculated != b.Hash {
		return false
	}

	target := make([]byte, b.Difficulty)
	return bytes.HasPrefix(calculated.Bytes(), target)
}

// ValidateChain checks hashes, links, indexes and timestamp ordering.
func ValidateChain(blocks []*Block) bool {
	if len(blocks) == 0 {
		return true
	}

	if !blocks[0].Validate() {
		return false
	}

	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]

		if !current.Validate() {
			return false
		}
		if current.PrevHash != previous.Hash {
			return false
		}
		if current.Index != previous.Index+1 {
			return false
		}
		// several txs may land in the same second
		if current.Timestamp < previous.Timestamp {
			return false
		}
	}

	return true
}
