// Copyright (c) Chorus Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 Chorus 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor，支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON
  - 引擎构造: Members / FixedClock，快速拼装注册表与可控时钟

# 子包

  - testutil/mocks: MockBackend（脚本化后端：固定文本、延迟、错误注入、
    调用计数），用于 dispatcher / orchestrator / api 测试

# 使用示例

	ctx := testutil.TestContext(t)
	b := mocks.NewMockBackend("alpha").WithResponse("hello").WithDelay(10 * time.Millisecond)
	text, err := b.Generate(ctx, engine.Request{Text: "hi"})
*/
package testutil
