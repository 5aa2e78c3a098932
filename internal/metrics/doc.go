// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、
编排（Resolve / 策略决策 / 引擎调用 / 兜底）、语义缓存与数据库四个维度。

Collector 使用 promauto 注册指标，同时实现 dispatcher.Observer、
cache.Observer 与 orchestrator.Observer，因此组装时把同一个实例
注入三处即可。测试可通过 NewCollectorWith 传入独立的 Registry。
*/
package metrics
