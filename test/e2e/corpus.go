// Package e2e runs the ingestion pipeline end to end over a generated corpus of
// mixed-format documents and checks that retrieval finds each one.
package e2e

import (
	"fmt"
	"strings"
)

// Document is one corpus entry. Source is the file name it is uploaded under.
type Document struct {
	Source  string
	Title   string
	Content string
}

// QueryCase is a query and the source that must appear among its hits.
type QueryCase struct {
	Query          string
	ExpectedSource string
}

// Corpus holds documents and query cases.
type Corpus struct {
	Documents []Document
	Cases     []QueryCase
}

type topic struct {
	title   string
	phrase  string
	content string
}

var topics = []topic{
	{"Parking Permits", "residential parking permit", "A residential parking permit lets residents park on zoned streets. Applications for a residential parking permit take ten working days."},
	{"Building Permits", "building permit inspection", "Renovations that change structure need approval. A building permit inspection is scheduled once the foundation is poured."},
	{"Property Tax", "property tax assessment", "Property tax funds schools and roads. The property tax assessment is mailed every January."},
	{"Business License", "business license renewal", "Every shop needs a license to trade. Business license renewal is due on the anniversary of registration."},
	{"Waste Collection", "bulky waste collection", "Household waste is collected weekly. Bulky waste collection must be booked two days in advance."},
	{"Recycling Rules", "glass recycling bins", "Sort recyclables by material. Glass recycling bins accept bottles and jars without lids."},
	{"Library Cards", "library card registration", "Libraries lend books and media. Library card registration requires proof of address."},
	{"Public Transport", "monthly transit pass", "Buses and trams run every ten minutes. A monthly transit pass is cheaper than daily tickets."},
	{"Noise Complaints", "noise complaint hotline", "Quiet hours start at ten in the evening. The noise complaint hotline is staffed overnight."},
	{"Street Lighting", "broken streetlight report", "Street lights are maintained by the city. A broken streetlight report is handled within a week."},
	{"Pothole Repair", "pothole repair request", "Roads are resurfaced on a rolling schedule. A pothole repair request can include a photo."},
	{"Water Billing", "water meter reading", "Water is billed quarterly. A water meter reading is taken by a technician or submitted online."},
	{"Marriage Registration", "civil marriage ceremony", "Couples register at the civic office. A civil marriage ceremony needs two witnesses."},
	{"Birth Certificates", "birth certificate copy", "Births are registered within forty two days. A birth certificate copy is issued on request."},
	{"Voter Registration", "voter registration deadline", "Residents over eighteen may vote locally. The voter registration deadline is thirty days before an election."},
	{"Dog Licensing", "dog license microchip", "Dogs older than three months must be licensed. A dog license microchip number is recorded at registration."},
	{"Tree Removal", "protected tree removal", "Trees on private land may be protected. Protected tree removal requires an arborist report."},
	{"Event Permits", "street party permit", "Public events need approval from the council. A street party permit closes the road for one day."},
	{"Snow Clearing", "snow clearing priority", "Main roads are cleared first after snowfall. Snow clearing priority maps are published each winter."},
	{"Parks Booking", "picnic shelter booking", "Parks are open from dawn to dusk. A picnic shelter booking reserves space for groups."},
	{"Senior Services", "senior meal delivery", "Older residents can request assistance at home. Senior meal delivery runs on weekdays."},
	{"Childcare Subsidy", "childcare subsidy eligibility", "Families may receive help with daycare fees. Childcare subsidy eligibility depends on household income."},
	{"Housing Assistance", "rent assistance application", "Low income tenants can get support. A rent assistance application is reviewed within a month."},
	{"Fire Safety", "smoke alarm installation", "Every home needs working alarms. Free smoke alarm installation is offered to seniors."},
	{"Flood Preparedness", "sandbag distribution points", "Heavy rain can flood low streets. Sandbag distribution points open when warnings are issued."},
	{"Cemetery Services", "burial plot reservation", "Municipal cemeteries accept residents and families. A burial plot reservation is valid for twenty years."},
	{"Sports Facilities", "swimming pool timetable", "Leisure centres offer gyms and courts. The swimming pool timetable changes during school holidays."},
	{"Bike Sharing", "bike share membership", "Shared bicycles are docked across the city. A bike share membership includes thirty minute rides."},
	{"Graffiti Removal", "graffiti removal service", "Vandalism on public walls is cleaned quickly. The graffiti removal service also covers private fences."},
	{"Council Meetings", "council meeting agenda", "The council meets on the first Monday monthly. The council meeting agenda is published a week before."},
}

// BuildCorpus returns one document per topic, each under a file name with the
// given extension cycle, and one query case per document.
func BuildCorpus(extensions []string) *Corpus {
	c := &Corpus{}
	for i, t := range topics {
		ext := extensions[i%len(extensions)]
		source := fmt.Sprintf("%02d-%s%s", i+1, slug(t.title), ext)
		c.Documents = append(c.Documents, Document{Source: source, Title: t.title, Content: t.content})
		c.Cases = append(c.Cases, QueryCase{Query: t.phrase, ExpectedSource: source})
	}
	return c
}

func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "-"))
}

func containsPhrase(d Document, phrase string) bool {
	return strings.Contains(strings.ToLower(d.Title+" "+d.Content), strings.ToLower(phrase))
}
