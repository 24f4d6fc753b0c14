package capability

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mkessel/twinward/internal/aas"
)

func tool(name, description string, risk aas.RiskLevel, inputs ...string) *ToolSpec {
	return &ToolSpec{
		Name:        name,
		Description: description,
		Risk:        risk,
		SubmodelID:  "urn:sm:motor",
		InputNames:  inputs,
	}
}

var _ = Describe("Index", func() {
	var ix *Index

	BeforeEach(func() {
		ix = NewIndex()
		ix.Add(tool("GetStatus", "Read the current pump status and state summary.", aas.RiskLow))
		ix.Add(tool("SetSpeed", "Set the motor target speed.", aas.RiskHigh, "TargetRPM"))
		ix.Add(tool("SetTemperature", "Set the coolant temperature setpoint.", aas.RiskHigh, "TargetTemp"))
		ix.Add(tool("EmergencyStop", "Immediately stop the pump.", aas.RiskCritical))
	})

	Describe("Search", func() {
		It("ranks the matching tool first", func() {
			got := ix.Search("set the speed to 1500", 3)
			Expect(got).NotTo(BeEmpty())
			Expect(got[0].Name).To(Equal("SetSpeed"))
		})

		It("drops zero-similarity tools", func() {
			got := ix.Search("emergency stop now", 10)
			names := make([]string, len(got))
			for i, s := range got {
				names[i] = s.Name
			}
			Expect(names).To(ContainElement("EmergencyStop"))
			Expect(names).NotTo(ContainElement("SetTemperature"))
		})

		It("returns nothing for an unrelated query", func() {
			Expect(ix.Search("quarterly revenue forecast", 10)).To(BeEmpty())
		})

		It("truncates to topK", func() {
			got := ix.Search("set speed temperature status stop pump", 2)
			Expect(got).To(HaveLen(2))
		})

		It("is deterministic across repeated queries", func() {
			first := ix.Search("set speed", 4)
			for i := 0; i < 5; i++ {
				Expect(ix.Search("set speed", 4)).To(Equal(first))
			}
		})
	})

	Describe("SearchWithPriority", func() {
		It("prepends the always-include set", func() {
			got := ix.SearchWithPriority("set the speed", 3, []string{"GetStatus"})
			Expect(got[0].Name).To(Equal("GetStatus"))
			Expect(got[1].Name).To(Equal("SetSpeed"))
		})

		It("deduplicates tools that also rank", func() {
			got := ix.SearchWithPriority("read the status", 4, []string{"GetStatus"})
			count := 0
			for _, s := range got {
				if s.Name == "GetStatus" {
					count++
				}
			}
			Expect(count).To(Equal(1))
		})

		It("still truncates to topK", func() {
			got := ix.SearchWithPriority("set speed temperature", 2, []string{"GetStatus", "EmergencyStop"})
			Expect(got).To(HaveLen(2))
		})
	})

	Describe("lookup", func() {
		It("finds tools by name", func() {
			spec, ok := ix.GetByName("SetSpeed")
			Expect(ok).To(BeTrue())
			Expect(spec.Risk).To(Equal(aas.RiskHigh))

			_, ok = ix.GetByName("NoSuchTool")
			Expect(ok).To(BeFalse())
		})

		It("filters by risk level", func() {
			high := ix.GetByRisk(aas.RiskHigh)
			Expect(high).To(HaveLen(2))
		})

		It("filters by submodel", func() {
			Expect(ix.GetBySubmodel("urn:sm:motor")).To(HaveLen(4))
			Expect(ix.GetBySubmodel("urn:sm:other")).To(BeEmpty())
		})
	})

	Describe("Add and Replace", func() {
		It("replaces a tool with the same name in place", func() {
			ix.Add(tool("SetSpeed", "Completely different description text.", aas.RiskMedium))
			Expect(ix.Len()).To(Equal(4))
			spec, _ := ix.GetByName("SetSpeed")
			Expect(spec.Risk).To(Equal(aas.RiskMedium))
		})

		It("swaps the whole tool set", func() {
			ix.Replace([]*ToolSpec{tool("OnlyOne", "The only remaining tool.", aas.RiskLow)})
			Expect(ix.Len()).To(Equal(1))
			_, ok := ix.GetByName("SetSpeed")
			Expect(ok).To(BeFalse())
		})
	})
})
