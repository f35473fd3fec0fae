// Command binderctl drives the in-process transaction core: it runs load
// simulations, plays allocator scenarios, and demonstrates freezing.
package main

func main() {
	execute()
}
