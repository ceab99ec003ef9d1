package common

// levelDB / world state key layout. Keys are plain strings so the same
// layout works for LevelDB and for a chaincode stub.

// 账户 key: AccountKeyPrefix + 地址 - val: meta.Account
const AccountKeyPrefix = "account/"

// 众筹活动数量
const CampaignCountKey = "crowdfunding/count"

// key: CampaignKeyPrefix + id - val: meta.Campaign
const CampaignKeyPrefix = "crowdfunding/campaign/"

// key: ContributionKeyPrefix + id + "/" + 地址 - val: 累计金额 (wei, decimal)
const ContributionKeyPrefix = "crowdfunding/contribution/"

// 事件日志
const EventSeqKey = "event/seq"
const EventKeyPrefix = "event/log/"

// 链码初始化时设置的注册赠送金额
const InitialBalanceKey = "chaincode/initialBalance"

// 已使用的请求签名 key: ReplayKeyPrefix + 请求哈希 - val: 过期时间 (unix 秒)
const ReplayKeyPrefix = "auth/seen/"
