// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package dispatcher 负责把一次请求并发扇出到策略选中的引擎集合。

每个引擎在独立的 goroutine 和独立的超时下运行，结果按 success / timeout / error
归档到 PerEngine，单个引擎失败不会向调用方抛出。全部完成后由 Aggregator
按权重选出共识文本，并按覆盖率计算置信度。

所有引擎失败时只做一次兜底：调用注册表中指定的 fallback 引擎。兜底也失败时
返回 ALL_ENGINES_FAILED，同时仍返回全失败的 Result 供调用方诊断。

调用方取消 ctx 会传播到所有未完成的引擎任务，已完成的结果被保留。

OutcomeHook 在结果记录之后调用，回调之间串行，慢速订阅方不会拖住结果记录。
*/
package dispatcher
