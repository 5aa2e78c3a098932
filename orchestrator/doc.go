// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package orchestrator 是编排引擎对外的唯一入口。

Resolve 的流程：

 1. Classifier 计算复杂度并推荐策略（调用方的 StrategyHint 优先）
 2. Optimizer 结合资源快照与偏好得出最终策略与推理链
 3. 按最终策略查询语义缓存；命中直接返回，不调用任何引擎
 4. 未命中时经 Dispatcher 扇出；并发的相同请求通过 singleflight 合并为一次
 5. 至少一个引擎成功时写入缓存，并自动记录一条 PerformanceSample

只有 INVALID_STRATEGY 与 ALL_ENGINES_FAILED（兜底也失败）会作为错误返回，
其余单引擎故障只体现在 Confidence 上。RecordFeedback 供调用方事后补充样本。
*/
package orchestrator
