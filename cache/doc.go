// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package cache 提供语义响应缓存：按请求向量的余弦相似度复用历史分发结果。

# 查询规则

候选条目必须与请求策略相同，且作用域兼容（全局条目，或 contextKey 相同的
会话条目）。取相似度最高的候选：

  - 相似度 >= SimilarityThreshold 且新鲜度 >= FreshnessThreshold：命中，UseCount+1
  - 否则相似度 >= PartialThreshold：部分命中，仅作参考，不作为权威结果
  - 否则：未命中

会话条目永远不会返回给其他 contextKey；一旦检测到越界，记录 error 日志并计数。

# 保留策略

新鲜度从 1.0 线性衰减到 MaxAge 时的 0。超出 Capacity 时淘汰
UseCount+freshness 最低的条目（同分取最旧）。Sweep 删除超过 StaleAfter
且使用次数不足 StaleMinUses 的条目，StartJanitor 周期性执行。

所有状态由一把互斥锁保护；可选 Persister（见 cache/redisstore）做异步落盘与启动预热。
*/
package cache
