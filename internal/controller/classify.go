package controller

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/txkeeper/pkg/types"
)

// ERC20 function selectors
var (
	// transfer(address,uint256) = 0xa9059cbb
	erc20TransferSelector = common.FromHex("0xa9059cbb")
	// approve(address,uint256) = 0x095ea7b3
	erc20ApproveSelector = common.FromHex("0x095ea7b3")
)

// classify determines the transaction kind from the draft shape: known token
// selectors in the call data, a missing recipient (deployment), or code
// presence at the target.
func (c *Controller) classify(ctx context.Context, draft *types.TxDraft) types.TxKind {
	if draft.To == nil {
		return types.KindContractDeploy
	}

	if len(draft.Data) >= 4 {
		selector := draft.Data[:4]
		switch {
		case bytes.Equal(selector, erc20TransferSelector):
			return types.KindTokenTransfer
		case bytes.Equal(selector, erc20ApproveSelector):
			return types.KindTokenApprove
		}
	}

	code, err := c.client.CodeAt(ctx, *draft.To)
	if err == nil && len(code) > 0 {
		return types.KindContractCall
	}
	return types.KindSimpleSend
}
