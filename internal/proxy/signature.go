package proxy

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
)

// canonicalMessage 构造签名原文：toolID|paramsHash|nonce|chainID。
// 智能体侧必须按完全相同的顺序与分隔符拼接后做 personal_sign。
func canonicalMessage(toolID, paramsHash, nonce string, chainID uint64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d", toolID, paramsHash, nonce, chainID))
}

// verifySignature 校验 EIP-191 personal_sign 签名，恢复出的地址必须与
// 智能体登记的钱包地址一致。签名为 65 字节的 r||s||v，v 允许 27/28 或 0/1。
func verifySignature(wallet string, message []byte, signature string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "签名不是合法的十六进制串")
	}
	if len(sig) != crypto.SignatureLength {
		return xerrors.New(xerrors.CodeSignatureInvalid,
			fmt.Sprintf("签名长度非法: 期望 %d 字节, 实际 %d 字节", crypto.SignatureLength, len(sig)))
	}
	// SigToPub 要求恢复标识位为 0/1。
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	digest := accounts.TextHash(message)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "恢复签名公钥失败")
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), wallet) {
		return xerrors.New(xerrors.CodeSignatureInvalid, "签名地址与登记钱包不匹配",
			xerrors.WithMetadata("recovered", recovered.Hex()),
		)
	}
	return nil
}
