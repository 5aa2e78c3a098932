// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package classifier 估算请求复杂度并推荐编排策略。

KeywordClassifier 计算五个 [0,1] 子分数（长度、情感、抽象、上下文、紧急），
按固定权重表加权求和，再按阈值映射到 single / dual / synthesis / full。
任何非零紧急分都会强制 dual。函数纯净、确定、无副作用；Classifier 接口
允许日后替换为基于向量的实现，而不影响 optimizer 与 dispatcher。

长度子分数使用可插拔 Tokenizer：默认离线估算器，或 tiktoken 编码。
*/
package classifier
