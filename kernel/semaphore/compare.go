package semaphore

// releaseWindow is half the 32-bit counter space.
const releaseWindow = 1 << 31

// ValueReleased reports whether racer has reached or passed goal. Values up
// to 2^31-1 ahead of goal count as passed; the other half of the circle
// counts as behind. Callers must observe a counter at least once every 2^31
// increments.
func ValueReleased(goal, racer uint32) bool {
	return racer-goal < releaseWindow
}
