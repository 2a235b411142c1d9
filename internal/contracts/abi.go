// Package contracts holds ABI definitions for the on-chain settlement
// contract escrowd submits payout transactions to.
package contracts

// SettlementABI covers the subset of the settlement contract escrowd calls:
// payoutNative releases chain-native value held for an escrow, payoutToken
// instructs a token transfer from custody.
const SettlementABI = `[
  {
    "name": "payoutNative",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "ref", "type": "bytes32"},
      {"name": "to", "type": "address"},
      {"name": "denom", "type": "bytes32"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "name": "payoutToken",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "ref", "type": "bytes32"},
      {"name": "to", "type": "address"},
      {"name": "token", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": []
  }
]`
